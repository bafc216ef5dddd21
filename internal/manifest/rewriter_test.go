package manifest

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fooManifest = `<?xml version="1.0" encoding="utf-8" standalone="no"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.foo">
    <application android:icon="@mipmap/ic_launcher" android:label="@string/app_name">
        <provider android:authorities="com.foo.provider" android:name=".Provider"/>
        <provider android:authorities="com.other.provider" android:name=".Other"/>
        <provider android:name=".NoAuthority"/>
    </application>
</manifest>
`

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTree 创建测试用反编译目录，files 为相对路径到内容的映射
func setupTree(t *testing.T, manifest string, files map[string]string) Tree {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ManifestFile), []byte(manifest), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ResDir), 0755))
	for rel, content := range files {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	return Tree(root)
}

func TestReadPackageName(t *testing.T) {
	tree := setupTree(t, fooManifest, nil)
	r := NewRewriter(testLogger())

	name, err := r.ReadPackageName(tree)
	require.NoError(t, err)
	assert.Equal(t, "com.foo", name)
}

func TestReadPackageName_Missing(t *testing.T) {
	tree := setupTree(t, `<manifest><application/></manifest>`, nil)
	r := NewRewriter(testLogger())

	_, err := r.ReadPackageName(tree)
	assert.ErrorIs(t, err, ErrAttributeNotFound)
}

func TestReadDisplayName_Literal(t *testing.T) {
	tree := setupTree(t, `<manifest package="a"><application android:label="Plain Name"/></manifest>`, nil)
	r := NewRewriter(testLogger())

	name, err := r.ReadDisplayName(tree)
	require.NoError(t, err)
	assert.Equal(t, "Plain Name", name)
}

// TestReadDisplayName_StringResource 多语言结果按目录顺序以逗号连接
func TestReadDisplayName_StringResource(t *testing.T) {
	tree := setupTree(t, fooManifest, map[string]string{
		"res/values/strings.xml":    `<resources><string name="app_name">Foo</string><string name="other">X</string></resources>`,
		"res/values-en/strings.xml": "<resources>\n    <string name=\"app_name\">FooEN</string>\n</resources>",
		"res/values-v21/styles.xml": `<resources/>`,
		"res/drawable/strings.xml":  `<resources><string name="app_name">Ignored</string></resources>`,
	})
	r := NewRewriter(testLogger())

	name, err := r.ReadDisplayName(tree)
	require.NoError(t, err)
	assert.Equal(t, "Foo,FooEN", name)
}

func TestReadDisplayName_NotFoundSentinel(t *testing.T) {
	tree := setupTree(t, fooManifest, map[string]string{
		"res/values/strings.xml": `<resources><string name="other">X</string></resources>`,
	})
	r := NewRewriter(testLogger())

	name, err := r.ReadDisplayName(tree)
	require.NoError(t, err)
	assert.Equal(t, DisplayNameNotFound, name)
}

func TestReadDisplayName_NoValuesDir(t *testing.T) {
	tree := setupTree(t, fooManifest, map[string]string{
		"res/drawable/icon.png": "x",
	})
	r := NewRewriter(testLogger())

	_, err := r.ReadDisplayName(tree)
	assert.ErrorIs(t, err, ErrNoValuesDir)
}

func TestReadDisplayName_MissingLabel(t *testing.T) {
	tree := setupTree(t, `<manifest package="a"><application/></manifest>`, nil)
	r := NewRewriter(testLogger())

	_, err := r.ReadDisplayName(tree)
	assert.ErrorIs(t, err, ErrAttributeNotFound)
}

func TestResourceKey(t *testing.T) {
	assert.Equal(t, "app_name", resourceKey("@string/app_name"))
	assert.Equal(t, "lib_app_name", resourceKey("@string/lib/app_name"))
	assert.Equal(t, "pkgname", resourceKey("@string/@pkgname"))
}

// TestRewriteIdentity 包名、authority 级联与显示名称一起改写
func TestRewriteIdentity(t *testing.T) {
	tree := setupTree(t, fooManifest, nil)
	r := NewRewriter(testLogger())

	old, err := r.RewriteIdentity(tree, Identity{PackageName: "com.bar", DisplayName: "Bar"})
	require.NoError(t, err)
	assert.Equal(t, "com.foo", old)

	pkg, err := r.ReadPackageName(tree)
	require.NoError(t, err)
	assert.Equal(t, "com.bar", pkg)

	label, err := r.ReadDisplayName(tree)
	require.NoError(t, err)
	assert.Equal(t, "Bar", label)

	content, err := tree.ReadManifest()
	require.NoError(t, err)
	assert.Contains(t, string(content), `android:authorities="com.bar.provider"`)
	assert.Contains(t, string(content), `<provider android:authorities="com.other.provider" android:name=".Other"/>`)
	assert.Contains(t, string(content), `<provider android:name=".NoAuthority"/>`)
}

func TestRewriteIdentity_EmptyFieldsUnchanged(t *testing.T) {
	tree := setupTree(t, fooManifest, nil)
	r := NewRewriter(testLogger())

	_, err := r.RewriteIdentity(tree, Identity{})
	require.NoError(t, err)

	content, err := tree.ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, fooManifest, string(content))
}

func TestCascadeAuthorities(t *testing.T) {
	tree := setupTree(t, fooManifest, nil)
	r := NewRewriter(testLogger())

	changed, err := r.CascadeAuthorities(tree, "com.foo", "com.bar")
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	changed, err = r.CascadeAuthorities(tree, "com.foo", "com.bar")
	require.NoError(t, err)
	assert.Equal(t, 0, changed, "second pass finds no old package")
}

func TestWriteDisplayName_OverridesReference(t *testing.T) {
	tree := setupTree(t, fooManifest, map[string]string{
		"res/values/strings.xml": `<resources><string name="app_name">Foo</string></resources>`,
	})
	r := NewRewriter(testLogger())

	require.NoError(t, r.WriteDisplayName(tree, "Literal"))
	name, err := r.ReadDisplayName(tree)
	require.NoError(t, err)
	assert.Equal(t, "Literal", name)

	strings, err := os.ReadFile(filepath.Join(tree.ResPath(), "values", "strings.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(strings), "Foo", "string resource itself is left alone")
}

func TestMalformedManifest(t *testing.T) {
	tree := setupTree(t, `<manifest package="a"><application></manifest>`, nil)
	r := NewRewriter(testLogger())

	_, err := r.ReadPackageName(tree)
	assert.Error(t, err)
	assert.Error(t, r.WritePackageName(tree, "b"))
}
