package main

import "runtime"

// hostPlatform returns the conda-style subdir string ("linux-64",
// "osx-arm64", ...) for the running binary's GOOS/GOARCH, the default
// platform filter channel.Params.HostPlatform expects.
func hostPlatform() string {
	switch runtime.GOOS {
	case "linux":
		switch runtime.GOARCH {
		case "arm64":
			return "linux-aarch64"
		case "386":
			return "linux-32"
		default:
			return "linux-64"
		}
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "osx-arm64"
		}
		return "osx-64"
	case "windows":
		if runtime.GOARCH == "386" {
			return "win-32"
		}
		return "win-64"
	default:
		return "noarch"
	}
}
