package domain

import (
	"regexp"
	"strconv"
)

var javaVersion = regexp.MustCompile(`(\d+)(?:\.(\d+))?`)

// JavaMajorVersion extracts the major Java version from an SDK version string
// such as `Eclipse Temurin version 21.0.2` or `java version "1.8.0_442"`.
func JavaMajorVersion(sdkVersion string) (int, bool) {
	m := javaVersion.FindStringSubmatch(sdkVersion)
	if m == nil {
		return 0, false
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	// legacy 1.x numbering
	if major == 1 && m[2] != "" {
		minor, err := strconv.Atoi(m[2])
		if err != nil {
			return 0, false
		}
		return minor, true
	}
	return major, true
}
