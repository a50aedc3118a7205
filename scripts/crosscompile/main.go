// crosscompile builds dbfix for every platform the default SQLite driver
// supports and stamps the binaries with the git version.
//
//	go run ./scripts/crosscompile
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// target is one GOOS/GOARCH pair.
type target struct {
	OS   string
	Arch string
}

// targets mirrors the build constraints on pkg/database/drivers/sqlite.go.
var targets = []target{
	{"linux", "amd64"}, {"linux", "arm64"}, {"linux", "386"},
	{"linux", "riscv64"}, {"linux", "ppc64le"}, {"linux", "s390x"},
	{"darwin", "amd64"}, {"darwin", "arm64"},
	{"freebsd", "amd64"}, {"freebsd", "arm64"},
	{"openbsd", "amd64"}, {"openbsd", "arm64"},
	{"netbsd", "amd64"},
	{"windows", "amd64"}, {"windows", "arm64"},
}

func main() {
	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	version, err := gitVersion()
	if err != nil {
		log.Fatal("git version", zap.Error(err))
	}
	root, err := gitRoot()
	if err != nil {
		log.Fatal("git root", zap.Error(err))
	}
	log.Info("building", zap.String("version", version))

	binaries := filepath.Join(root, "binaries", version)
	failed := 0
	for _, t := range targets {
		out := filepath.Join(binaries, outputDirName(t), t.Arch, binaryName(t))
		if err := build(root, t, version, out); err != nil {
			failed++
			log.Warn("build failed", zap.String("os", t.OS), zap.String("arch", t.Arch), zap.Error(err))
			continue
		}
		log.Info("built", zap.String("path", out))
	}

	latest := filepath.Join(root, "binaries", "latest")
	_ = os.Remove(latest)
	if err := os.Symlink(version, latest); err != nil {
		log.Warn("symlink latest", zap.Error(err))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func build(root string, t target, version, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	args := []string{"build", "-trimpath", "-ldflags", fmt.Sprintf("-s -w -X 'main.CompileVersion=%s'", version)}
	cgo := "CGO_ENABLED=0"
	if supportsDuckDB(t) {
		args = append(args, "-tags", "duckdb")
		cgo = "CGO_ENABLED=1"
	}
	args = append(args, "-o", out, ".")

	cmd := exec.Command("go", args...)
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "GOOS="+t.OS, "GOARCH="+t.Arch, cgo)
	if output, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(filepath.Dir(out))
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// supportsDuckDB reports whether the target can link the CGO DuckDB driver
// from a Linux build host.
func supportsDuckDB(t target) bool {
	return t.OS == "linux" && t.Arch == "amd64" && os.Getenv("DBFIX_DUCKDB") == "1"
}

func binaryName(t target) string {
	if t.OS == "windows" {
		return "dbfix.exe"
	}
	return "dbfix"
}

func outputDirName(t target) string {
	if t.OS == "darwin" {
		return "mac"
	}
	return t.OS
}

func gitRoot() (string, error) {
	output, err := exec.Command("git", "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

func gitVersion() (string, error) {
	output, err := exec.Command("git", "describe", "--tags", "--always", "--dirty").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
