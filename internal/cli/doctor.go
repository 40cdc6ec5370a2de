package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"linkdigest/internal/config"
	"linkdigest/internal/cookies"
	"linkdigest/internal/jobstore"
	"linkdigest/internal/runstore"
	"linkdigest/internal/ytdlp"
)

type doctorResult struct {
	OK     bool          `json:"ok"`
	Checks []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func newDoctorCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check dependencies, directories and the state store",
		RunE: func(cmd *cobra.Command, args []string) error {
			res := doctor(cmd.Context(), a.cfg)
			if jsonOut {
				if err := a.printer.JSON(res); err != nil {
					return err
				}
			} else {
				for _, c := range res.Checks {
					if c.OK {
						a.printer.Success("%-22s %s", c.Name, c.Message)
					} else {
						a.printer.Error("%-22s %s", c.Name, c.Message)
					}
				}
			}
			if !res.OK {
				return fmt.Errorf("doctor found failing checks")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON output")
	return cmd
}

func doctor(ctx context.Context, cfg *config.Config) doctorResult {
	checks := make([]doctorCheck, 0, 8)

	dep := ytdlp.New(cfg.Download.Binary, nil).DependencyStatus()
	checks = append(checks,
		doctorCheck{Name: "dependency:yt-dlp", OK: dep.YTDLPFound, Message: dependencyMessage(dep.YTDLPFound, dep.YTDLPPath, cfg.Download.Binary)},
		doctorCheck{Name: "dependency:ffmpeg", OK: dep.FFmpegFound, Message: dependencyMessage(dep.FFmpegFound, dep.FFmpegPath, "ffmpeg")},
	)
	whisperPath, err := exec.LookPath(cfg.Transcribe.Binary)
	checks = append(checks, doctorCheck{
		Name:    "dependency:whisper",
		OK:      err == nil,
		Message: dependencyMessage(err == nil, whisperPath, cfg.Transcribe.Binary),
	})

	stateOK, stateMsg := ensureWritableDir(cfg.State.Dir)
	checks = append(checks, doctorCheck{Name: "directory:state", OK: stateOK, Message: stateMsg})
	outOK, outMsg := ensureWritableDir(cfg.Download.OutputDir)
	checks = append(checks, doctorCheck{Name: "directory:downloads", OK: outOK, Message: outMsg})

	checks = append(checks, storeCheck(ctx, cfg))

	keyOK := strings.TrimSpace(cfg.AI.APIKey) != ""
	keyMsg := "configured"
	if !keyOK {
		keyMsg = "missing: set GEMINI_API_KEY or ai.api_key"
	}
	checks = append(checks, doctorCheck{Name: "ai:api_key", OK: keyOK, Message: keyMsg})

	if path := strings.TrimSpace(cfg.Download.CookiesFile); path != "" {
		checks = append(checks, cookiesCheck(path))
	}

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
			break
		}
	}
	return doctorResult{OK: ok, Checks: checks}
}

func storeCheck(ctx context.Context, cfg *config.Config) doctorCheck {
	name := "store:" + cfg.State.Backend
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := jobstore.Open(ctx, cfg.JobStoreOptions())
	if err != nil {
		return doctorCheck{Name: name, Message: err.Error()}
	}
	defer store.Close()
	if _, err := store.Get(ctx, "doctor:probe"); err != nil {
		return doctorCheck{Name: name, Message: err.Error()}
	}
	return doctorCheck{Name: name, OK: true, Message: "reachable"}
}

func cookiesCheck(path string) doctorCheck {
	if _, err := os.Stat(path); err != nil {
		return doctorCheck{Name: "cookies", Message: err.Error()}
	}
	store, err := cookies.Load(path)
	if err != nil {
		return doctorCheck{Name: "cookies", Message: err.Error()}
	}
	platforms := store.Platforms()
	if len(platforms) == 0 {
		return doctorCheck{Name: "cookies", Message: path + " has no [platform] sections"}
	}
	return doctorCheck{Name: "cookies", OK: true, Message: "platforms: " + strings.Join(platforms, ", ")}
}

func dependencyMessage(ok bool, path, name string) string {
	if ok {
		return name + " found at " + path
	}
	return name + " not found on PATH"
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := runstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "linkdigest-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, "writable"
}
