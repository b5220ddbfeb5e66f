package cellar

import (
	"os"
	"path/filepath"
	"strings"
)

// TestSDKVersionEnv overrides the detected SDK version; it exists for
// tests.
const TestSDKVersionEnv = "_PUB_TEST_SDK_VERSION"

// SDKRootEnv points at the installed SDK whose version file is consulted.
const SDKRootEnv = "TAVERN_SDK"

// SDKInfo carries the active SDK version. When no SDK could be detected,
// Known is false and SDK constraints are treated as satisfied.
type SDKInfo struct {
	Version Version
	Known   bool
}

// Allows checks an sdk constraint from a pubspec against the active SDK.
func (s SDKInfo) Allows(c Constraint) bool {
	if c == nil || !s.Known {
		return true
	}
	return c.Allows(s.Version)
}

// DetectSDK determines the active SDK version: the test override first,
// then the version file under the SDK root, else unknown.
func DetectSDK() SDKInfo {
	if body := os.Getenv(TestSDKVersionEnv); body != "" {
		if v, err := NewVersion(strings.TrimSpace(body)); err == nil {
			return SDKInfo{Version: v, Known: true}
		}
	}

	root := os.Getenv(SDKRootEnv)
	if root == "" {
		return SDKInfo{}
	}
	data, err := os.ReadFile(filepath.Join(root, "version"))
	if err != nil {
		return SDKInfo{}
	}
	v, err := NewVersion(strings.TrimSpace(string(data)))
	if err != nil {
		return SDKInfo{}
	}
	return SDKInfo{Version: v, Known: true}
}
