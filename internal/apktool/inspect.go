package apktool

import (
	"fmt"

	"github.com/shogo82148/androidbinary/apk"
)

// PackageName 从二进制 APK 的清单中读取包名
func PackageName(apkPath string) (string, error) {
	pkg, err := apk.OpenFile(apkPath)
	if err != nil {
		return "", fmt.Errorf("failed to open APK: %w", err)
	}
	defer pkg.Close()

	return pkg.PackageName(), nil
}
