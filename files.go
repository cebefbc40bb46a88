package wisckey

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	vlogFileExt     = ".vlog"
	manifestFileExt = ".blob"
	manifestPrefix  = "MANIFEST-"
	currentName     = "CURRENT.blob"
	fileNumberLen   = 6
)

func vlogFileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%0*d%s", fileNumberLen, number, vlogFileExt))
}

func parseVLogFileName(name string) (uint64, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, vlogFileExt) {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(base, vlogFileExt), 10, 64)
	return v, err == nil
}

func manifestFileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%0*d%s", manifestPrefix, fileNumberLen, number, manifestFileExt))
}

func parseManifestFileName(name string) (uint64, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, manifestPrefix) || !strings.HasSuffix(base, manifestFileExt) {
		return 0, false
	}
	num := strings.TrimSuffix(strings.TrimPrefix(base, manifestPrefix), manifestFileExt)
	v, err := strconv.ParseUint(num, 10, 64)
	return v, err == nil
}

func currentFileName(dir string) string {
	return filepath.Join(dir, currentName)
}
