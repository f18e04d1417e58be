package main

import (
	"encoding/json"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/electrohub/panelscan/internal/model"
	"github.com/electrohub/panelscan/internal/scan"
)

var (
	scanPanelID string
	scanSite    string
	scanOwner   string
)

var scanCmd = &cobra.Command{
	Use:   "scan [photo files...]",
	Short: "Run a panel scan from local photo files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initScanEnv(ctx, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		photos := make([]model.Photo, 0, len(args))
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return eris.Wrapf(err, "read photo %s", path)
			}
			mediaType := mime.TypeByExtension(filepath.Ext(path))
			if mediaType == "" {
				mediaType = http.DetectContentType(data)
			}
			photos = append(photos, model.Photo{
				Name:      filepath.Base(path),
				MediaType: mediaType,
				Data:      data,
			})
		}

		jobID, err := env.Orchestrator.Submit(ctx, scan.Request{
			PanelID: scanPanelID,
			Site:    scanSite,
			Owner:   scanOwner,
			Photos:  photos,
		})
		if err != nil {
			return err
		}
		zap.L().Info("scan submitted", zap.String("job_id", jobID), zap.Int("photos", len(photos)))

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			job, err := env.Orchestrator.Poll(jobID)
			if err != nil {
				return err
			}
			if !job.Status.Terminal() {
				zap.L().Debug("scan in progress", zap.Int("progress", job.Progress), zap.String("message", job.Message))
				continue
			}

			out, err := json.MarshalIndent(job, "", "  ")
			if err != nil {
				return eris.Wrap(err, "marshal result")
			}
			os.Stdout.Write(out)
			os.Stdout.Write([]byte("\n"))

			if job.Status == model.JobFailed {
				return eris.Errorf("scan failed: %s", job.Error)
			}
			return nil
		}
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanPanelID, "panel", "", "panel identifier (required)")
	scanCmd.Flags().StringVar(&scanSite, "site", "", "site the panel belongs to")
	scanCmd.Flags().StringVar(&scanOwner, "owner", "", "job owner recorded on the scan")
	scanCmd.MarkFlagRequired("panel") //nolint:errcheck
	rootCmd.AddCommand(scanCmd)
}
