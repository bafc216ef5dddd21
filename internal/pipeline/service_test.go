package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/apk-analysis/apk-repack-go/internal/icon"
	"github.com/apk-analysis/apk-repack-go/internal/manifest"
	"github.com/apk-analysis/apk-repack-go/internal/toolrunner"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `<?xml version="1.0" encoding="utf-8" standalone="no"?><manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.foo.app">
    <application android:icon="@mipmap/ic_launcher" android:label="@string/app_name">
        <provider android:authorities="com.foo.app.fileprovider" android:name="androidx.core.content.FileProvider"/>
        <provider android:authorities="com.other.provider" android:name="com.other.Provider"/>
    </application>
</manifest>`

// fakeTools 反编译时生成一个最小的解包目录，构建时写出占位产物
type fakeTools struct {
	t *testing.T

	mu    sync.Mutex
	calls []string

	channel   string
	readErr   error
	buildErr  error
	removeErr error
	putErr    error
}

func (f *fakeTools) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTools) Decompile(_ context.Context, _ string, outDir string) error {
	f.record("decompile")
	res := filepath.Join(outDir, manifest.ResDir)
	writeFile(f.t, filepath.Join(outDir, manifest.ManifestFile), []byte(testManifest))
	writeFile(f.t, filepath.Join(res, "values", "strings.xml"), []byte(`<resources><string name="app_name">Foo</string></resources>`))
	writeFile(f.t, filepath.Join(res, "mipmap-mdpi", "ic_launcher.png"), pngBytes(f.t, 48, color.Black))
	writeFile(f.t, filepath.Join(res, "mipmap-xxxhdpi", "ic_launcher.png"), pngBytes(f.t, 192, color.Black))
	return nil
}

func (f *fakeTools) Build(_ context.Context, dir, outAPK string) error {
	f.record("build")
	if f.buildErr != nil {
		return f.buildErr
	}
	return os.WriteFile(outAPK, []byte("rebuilt:"+dir), 0o644)
}

func (f *fakeTools) Sign(_ context.Context, _ string) error {
	f.record("sign")
	return nil
}

func (f *fakeTools) ReadChannel(_ context.Context, _ string) (string, error) {
	f.record("channel:get")
	return f.channel, f.readErr
}

func (f *fakeTools) RemoveChannel(_ context.Context, _ string) error {
	f.record("channel:remove")
	return f.removeErr
}

func (f *fakeTools) PutChannel(_ context.Context, _ string, channel string) error {
	f.record("channel:put:" + channel)
	return f.putErr
}

func writeFile(t *testing.T, path string, data []byte) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func pngBytes(t *testing.T, size int, c color.Color) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	svc    *Service
	tools  *fakeTools
	source string
	events []Event
}

func newFixture(t *testing.T, opts Options) *fixture {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	if opts.CacheRoot == "" {
		opts.CacheRoot = filepath.Join(t.TempDir(), "cache")
	}
	source := filepath.Join(t.TempDir(), "game.apk")
	writeFile(t, source, []byte("source apk"))

	tools := &fakeTools{t: t}
	rewriter := manifest.NewRewriter(logger)
	svc := NewService(tools, rewriter, icon.NewResolver(nil, rewriter, logger), opts, logger)
	svc.SetPackageReader(func(string) (string, error) { return "com.bar.app", nil })

	f := &fixture{svc: svc, tools: tools, source: source}
	svc.AddListener(func(e Event) { f.events = append(f.events, e) })
	return f
}

func (f *fixture) states() []State {
	var out []State
	for _, e := range f.events {
		out = append(out, e.State)
	}
	return out
}

func TestRewriteAndRepackage_Success(t *testing.T) {
	f := newFixture(t, Options{})
	f.tools.channel = "huawei"

	run, err := f.svc.RewriteAndRepackage(context.Background(), Request{
		SourceAPK:   f.source,
		PackageName: "com.bar.app",
		DisplayName: "Bar",
	})
	require.NoError(t, err)

	assert.Equal(t, StateFinalized, run.State)
	assert.Equal(t, "huawei", run.Channel)
	assert.Equal(t, "com.foo.app", run.OldPackage)
	assert.Equal(t, f.source+".repacked.apk", run.FinalAPK)
	assert.Equal(t, []string{"decompile", "build", "sign", "channel:get", "channel:remove", "channel:put:huawei"}, f.tools.calls)

	data, err := os.ReadFile(run.FinalAPK)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "rebuilt:"))
	_, err = os.Stat(run.RebuiltAPK)
	assert.True(t, os.IsNotExist(err), "rebuilt artifact is moved")

	content, err := os.ReadFile(filepath.Join(run.UnpackedDir, manifest.ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(content), `package="com.bar.app"`)
	assert.Contains(t, string(content), `android:authorities="com.bar.app.fileprovider"`)
	assert.Contains(t, string(content), `android:authorities="com.other.provider"`)
	assert.Contains(t, string(content), `android:label="Bar"`)

	assert.Equal(t, []State{
		StatePending,
		StateUnpacked,
		StateIdentityRewritten,
		StateRepacked,
		StateSigned,
		StateChannelRestored,
		StateFinalized,
	}, f.states())
}

func TestRewriteAndRepackage_BuildFailure(t *testing.T) {
	f := newFixture(t, Options{CleanupOnSuccess: true})
	f.tools.buildErr = errors.New("brut.androlib.AndrolibException")

	run, runErr := f.svc.RewriteAndRepackage(context.Background(), Request{
		SourceAPK:   f.source,
		PackageName: "com.bar.app",
	})
	require.Error(t, runErr)
	assert.Equal(t, StageBuild, FailedStage(runErr))
	assert.ErrorIs(t, runErr, f.tools.buildErr)
	assert.Equal(t, StateFailed, run.State)

	assert.Equal(t, []string{"decompile", "build"}, f.tools.calls, "sign and channel are not attempted")

	// 解包目录与改写结果保留
	content, err := os.ReadFile(filepath.Join(run.UnpackedDir, manifest.ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(content), `package="com.bar.app"`)

	_, err = os.Stat(run.FinalAPK)
	assert.True(t, os.IsNotExist(err))

	last := f.events[len(f.events)-1]
	assert.Equal(t, StateFailed, last.State)
	assert.Equal(t, StageBuild, last.Stage)
	assert.Contains(t, last.Error, "build")
	assert.Equal(t, "error: build: brut.androlib.AndrolibException", Outcome(runErr))
}

func TestRewriteAndRepackage_ChannelSkipped(t *testing.T) {
	for _, channel := range []string{"", "null"} {
		t.Run("channel="+channel, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.tools.channel = channel

			run, err := f.svc.RewriteAndRepackage(context.Background(), Request{SourceAPK: f.source})
			require.NoError(t, err)
			assert.Equal(t, StateFinalized, run.State)
			assert.Empty(t, run.Channel)
			assert.Equal(t, []string{"decompile", "build", "sign", "channel:get"}, f.tools.calls)
		})
	}
}

func TestRewriteAndRepackage_ChannelReadFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.tools.readErr = &toolrunner.InvocationError{
		Executable: "java",
		ExitCode:   1,
		Stderr:     "Error: Unable to access jarfile tools/VasDolly.jar",
		Err:        errors.New("exit status 1"),
	}

	run, err := f.svc.RewriteAndRepackage(context.Background(), Request{SourceAPK: f.source})
	require.Error(t, err)
	assert.Equal(t, StageChannel, FailedStage(err))
	assert.ErrorIs(t, err, toolrunner.ErrToolInvocation)
	assert.Equal(t, StateFailed, run.State)
	assert.True(t, strings.HasPrefix(Outcome(err), "error: channel: "))
	assert.Equal(t, []string{"decompile", "build", "sign", "channel:get"}, f.tools.calls)

	_, statErr := os.Stat(run.FinalAPK)
	assert.True(t, os.IsNotExist(statErr), "no output without the channel marker")
}

func TestRewriteAndRepackage_ChannelPutFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.tools.channel = "xiaomi"
	f.tools.putErr = errors.New("put failed")

	run, err := f.svc.RewriteAndRepackage(context.Background(), Request{SourceAPK: f.source})
	require.Error(t, err)
	assert.Equal(t, StageChannel, FailedStage(err))
	assert.Equal(t, StateFailed, run.State)

	_, statErr := os.Stat(run.RebuiltAPK)
	assert.NoError(t, statErr, "rebuilt artifact left for inspection")
}

func TestRewriteAndRepackage_ReplacesExistingDestination(t *testing.T) {
	f := newFixture(t, Options{})
	writeFile(t, FinalPath(f.source), []byte("previous run"))

	run, err := f.svc.RewriteAndRepackage(context.Background(), Request{SourceAPK: f.source})
	require.NoError(t, err)

	data, err := os.ReadFile(run.FinalAPK)
	require.NoError(t, err)
	assert.NotEqual(t, "previous run", string(data))
}

func TestRewriteAndRepackage_ReplacesIcons(t *testing.T) {
	f := newFixture(t, Options{})
	newIcon := filepath.Join(t.TempDir(), "new.png")
	writeFile(t, newIcon, pngBytes(t, 512, color.White))

	run, err := f.svc.RewriteAndRepackage(context.Background(), Request{
		SourceAPK: f.source,
		IconPath:  newIcon,
	})
	require.NoError(t, err)

	for dir, size := range map[string]int{"mipmap-mdpi": 48, "mipmap-xxxhdpi": 192} {
		file, err := os.Open(filepath.Join(run.UnpackedDir, manifest.ResDir, dir, "ic_launcher.png"))
		require.NoError(t, err)
		img, err := png.Decode(file)
		file.Close()
		require.NoError(t, err)

		assert.Equal(t, size, img.Bounds().Dx())
		r, g, b, _ := img.At(0, 0).RGBA()
		assert.Equal(t, uint32(0xffff), r&g&b, "pixels come from the new icon")
	}
}

func TestRewriteAndRepackage_MissingSource(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.svc.RewriteAndRepackage(context.Background(), Request{SourceAPK: f.source + ".missing"})
	require.Error(t, err)
	assert.Equal(t, StageDecompile, FailedStage(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, f.tools.calls)
}

func TestRewriteAndRepackage_CancelledBetweenStages(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	f.svc.AddListener(func(e Event) {
		if e.State == StateIdentityRewritten {
			cancel()
		}
	})

	_, err := f.svc.RewriteAndRepackage(ctx, Request{SourceAPK: f.source})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StageBuild, FailedStage(err))
	assert.Equal(t, []string{"decompile"}, f.tools.calls)
}

func TestRewriteAndRepackage_CleanupOnSuccess(t *testing.T) {
	f := newFixture(t, Options{CleanupOnSuccess: true})

	run, err := f.svc.RewriteAndRepackage(context.Background(), Request{SourceAPK: f.source})
	require.NoError(t, err)

	_, err = os.Stat(run.UnpackedDir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(run.FinalAPK)
	assert.NoError(t, err)
}

func TestUnpackAndDescribe(t *testing.T) {
	f := newFixture(t, Options{})

	info, err := f.svc.UnpackAndDescribe(context.Background(), f.source)
	require.NoError(t, err)
	assert.Equal(t, "com.foo.app", info.PackageName)
	assert.Equal(t, "Foo", info.DisplayName)
	assert.True(t, filepath.IsAbs(info.IconPath))
	assert.Equal(t, "mipmap-xxxhdpi", filepath.Base(filepath.Dir(info.IconPath)))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", Outcome(nil))
	err := &StageError{Stage: StageSign, Err: errors.New("keystore was tampered with")}
	assert.Equal(t, "error: sign: keystore was tampered with", Outcome(err))
}

func TestNewRunContext_Unique(t *testing.T) {
	root := t.TempDir()
	a, err := NewRunContext(root)
	require.NoError(t, err)
	b, err := NewRunContext(root)
	require.NoError(t, err)

	assert.NotEqual(t, a.CacheDir, b.CacheDir)
	assert.Equal(t, filepath.Join(a.CacheDir, "original"), a.UnpackedDir())
	assert.Equal(t, filepath.Join(a.CacheDir, "original.repacked.apk"), a.RebuiltAPK())
}

func TestPruneRuns_KeepsNewest(t *testing.T) {
	root := t.TempDir()
	names := []string{
		"20240101-080000-aaaaaaaa",
		"20240101-090000-bbbbbbbb",
		"20240102-080000-cccccccc",
		"20240103-080000-dddddddd",
	}
	for _, name := range names {
		writeFile(t, filepath.Join(root, name, unpackedDirName, manifest.ManifestFile), []byte(testManifest))
	}
	writeFile(t, filepath.Join(root, "notes", "keep.txt"), []byte("x"))

	removed, err := PruneRuns(root, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	assert.ElementsMatch(t, []string{"20240102-080000-cccccccc", "20240103-080000-dddddddd", "notes"}, left)
}

func TestPruneRuns_Disabled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "20240101-080000-aaaaaaaa", "x"), []byte("x"))

	removed, err := PruneRuns(root, -1)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = PruneRuns(filepath.Join(root, "missing"), 1)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

// TestUnpackAndDescribe_KeepRuns 反复 describe 时缓存目录数量不超过保留上限
func TestUnpackAndDescribe_KeepRuns(t *testing.T) {
	cacheRoot := filepath.Join(t.TempDir(), "cache")
	writeFile(t, filepath.Join(cacheRoot, "20000101-000000-00000000", "failed.log"), []byte("old failure"))
	f := newFixture(t, Options{CacheRoot: cacheRoot, KeepRuns: 2})

	for i := 0; i < 3; i++ {
		_, err := f.svc.UnpackAndDescribe(context.Background(), f.source)
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(cacheRoot)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotEqual(t, "20000101-000000-00000000", e.Name(), "oldest run is pruned first")
	}
}
