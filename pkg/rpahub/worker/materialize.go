package worker

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rpahub/rpahub/pkg/rpahub/cipher"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// Environment variables exposed to the child process.
const (
	envRunID     = "RPAHUB_RUN_ID"
	envRobotID   = "RPAHUB_ROBOT_ID"
	envEnvName   = "RPAHUB_ENV"
	envOutputDir = "RPAHUB_OUTPUT_DIR"
)

// launchSpec is everything needed to start the child process.
type launchSpec struct {
	workDir   string
	outputDir string
	command   []string
	env       []string
}

// materialize prepares the scratch directory for a run: the version
// artifact unpacked or placed, the output directory created and the
// child environment assembled. Failures here are dispatch-fatal; the
// run fails without the child ever starting.
func (a *Agent) materialize(run *store.Run, version *store.RobotVersion) (*launchSpec, error) {
	runDir, err := a.blobs.RunDir(run.RunID)
	if err != nil {
		return nil, err
	}
	workDir := filepath.Join(runDir, "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	outputDir := filepath.Join(runDir, "outputs")

	if err := a.placeArtifact(version, workDir); err != nil {
		return nil, err
	}

	command, err := a.buildCommand(run, version, workDir)
	if err != nil {
		return nil, err
	}

	env, err := a.buildEnv(run, version, outputDir)
	if err != nil {
		return nil, err
	}

	spec := &launchSpec{
		workDir:   workDir,
		outputDir: outputDir,
		command:   command,
		env:       env,
	}
	if version.WorkingDir != "" {
		spec.workDir = filepath.Join(workDir, version.WorkingDir)
	}
	return spec, nil
}

func (a *Agent) placeArtifact(version *store.RobotVersion, workDir string) error {
	switch version.ArtifactKind {
	case store.ArtifactZip:
		bundle := filepath.Join(workDir, ".bundle.zip")
		if err := a.blobs.FetchBlob(version.ArtifactDigest, bundle); err != nil {
			return fmt.Errorf("fetch version artifact: %w", err)
		}
		defer os.Remove(bundle)
		if err := extractZip(bundle, workDir); err != nil {
			return fmt.Errorf("extract version artifact: %w", err)
		}
		return nil
	case store.ArtifactExe:
		dst := filepath.Join(workDir, version.EntrypointPath)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create entrypoint dir: %w", err)
		}
		if err := a.blobs.FetchBlob(version.ArtifactDigest, dst); err != nil {
			return fmt.Errorf("fetch version artifact: %w", err)
		}
		if err := os.Chmod(dst, 0o755); err != nil {
			return fmt.Errorf("chmod entrypoint: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown artifact kind %q", version.ArtifactKind)
	}
}

func (a *Agent) buildCommand(run *store.Run, version *store.RobotVersion, workDir string) ([]string, error) {
	entry := filepath.Join(workDir, version.EntrypointPath)
	if _, err := os.Stat(entry); err != nil {
		return nil, fmt.Errorf("entrypoint %s: %w", version.EntrypointPath, err)
	}

	var command []string
	switch version.EntrypointKind {
	case store.EntrypointScript:
		command = []string{a.cfg.PythonExecutable, entry}
	case store.EntrypointBinary:
		command = []string{entry}
	default:
		return nil, fmt.Errorf("unknown entrypoint kind %q", version.EntrypointKind)
	}

	// Defaults first, then the caller's runtime arguments appended.
	command = append(command, version.DefaultArgs...)
	command = append(command, run.Params.Args...)
	return command, nil
}

// buildEnv layers the child environment: process env, then the version's
// defaults, then decrypted bindings for the run's environment, then the
// caller's runtime overrides. Required keys are checked over the layered
// result, never over the bare process env.
func (a *Agent) buildEnv(run *store.Run, version *store.RobotVersion, outputDir string) ([]string, error) {
	layered := map[string]string{}
	for k, v := range version.DefaultEnv {
		layered[k] = v
	}

	bindings, err := a.st.ListEnvBindings(run.RobotID, run.EnvName)
	if err != nil {
		return nil, fmt.Errorf("load env bindings: %w", err)
	}
	if len(bindings) > 0 && a.ciph == nil {
		return nil, cipher.ErrKeyMissing
	}
	for _, b := range bindings {
		plain, err := a.ciph.Decrypt(b.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypt binding %s: %w", b.Key, err)
		}
		layered[b.Key] = plain
	}

	for k, v := range run.Params.Env {
		layered[k] = v
	}

	var missing []string
	for _, key := range version.RequiredEnvKeys {
		if layered[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("MissingRequiredEnv: %s", strings.Join(missing, ", "))
	}

	layered[envRunID] = run.RunID
	layered[envRobotID] = run.RobotID
	layered[envEnvName] = run.EnvName
	layered[envOutputDir] = outputDir

	env := os.Environ()
	for k, v := range layered {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// extractZip unpacks the bundle into dst, refusing entries that would
// escape it.
func extractZip(bundle, dst string) error {
	r, err := zip.OpenReader(bundle)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(dst, filepath.Clean("/"+f.Name))
		if !strings.HasPrefix(target, dst+string(filepath.Separator)) {
			return fmt.Errorf("bundle entry %q escapes extraction dir", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", f.Name, err)
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open bundle entry %s: %w", f.Name, err)
	}
	defer src.Close()

	mode := f.Mode() & 0o777
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.Name, err)
	}
	_, err = io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}
