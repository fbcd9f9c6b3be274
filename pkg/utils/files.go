package utils

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"nnunet/pkg/args"
)

// LastCheckpointName is the file name of the most recent checkpoint.
const LastCheckpointName = "last.ckpt"

// VerifyCkptPath resolves the checkpoint to load, or "" for a fresh start.
//
// When resuming, last.ckpt is looked up under <ckpt-path>/checkpoints and then
// under <results>/checkpoints. Otherwise ckpt-path is returned as is, so a
// missing checkpoint fails when it is loaded.
func VerifyCkptPath(a *args.Args) string {
	if a.ResumeTraining {
		candidates := []string{
			filepath.Join(a.CkptPath, "checkpoints", LastCheckpointName),
			filepath.Join(a.Results, "checkpoints", LastCheckpointName),
		}
		for _, path := range candidates {
			if isFile(path) {
				log.Info().Str("checkpoint", path).Msg("Resuming training")
				return path
			}
		}
		log.Warn().Msg("Checkpoint not found. Starting training from scratch.")
		return ""
	}
	return a.CkptPath
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// MakeEmptyDir removes path with its content and creates it again.
func MakeEmptyDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("error removing %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	return nil
}

// RunPostTrainHook runs script with bash. Its outcome never fails the run.
func RunPostTrainHook(script string) {
	if script == "" {
		return
	}
	cmd := exec.Command("bash", script)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		log.Debug().Err(err).Str("script", script).Msg("Post-train hook failed")
	}
}
