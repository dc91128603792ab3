package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camoverride/emotion-detector/internal/config"
	"github.com/camoverride/emotion-detector/internal/grpcclient"
	"github.com/camoverride/emotion-detector/internal/logging"
	"github.com/camoverride/emotion-detector/internal/pipeline"
)

type analyzeOutput struct {
	RunID     string            `json:"run_id"`
	FaceFound bool              `json:"face_found"`
	Events    []pipeline.Event  `json:"events"`
	Failures  map[string]string `json:"failures,omitempty"`
}

func newAnalyzeCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var (
		requestType string
		imagePath   string
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one image file through the pipeline and print the events as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			coordinator, _, err := buildCoordinator(cfg, logger)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}
			payload := "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)

			ctx := cmd.Context()
			if cfg.RunTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
				defer cancel()
			}

			runID := uuid.NewString()
			result, err := coordinator.Run(ctx, runID, requestType, payload)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(analyzeOutput{
				RunID:     runID,
				FaceFound: result.FaceFound,
				Events:    result.Events(),
				Failures:  result.FailureMessages(),
			})
		},
	}
	cmd.Flags().StringVar(&requestType, "type", "analyze", "request type to run")
	cmd.Flags().StringVar(&imagePath, "image", "", "path to a jpeg, png, gif or webp image")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func newHealthcheckCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Query the gRPC health service of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				addr = cfg.GRPCAddr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, conn, err := grpcclient.DialHealth(ctx, addr, zap.NewNop())
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := client.Check(ctx, service); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address, defaults to grpc_addr from the config")
	cmd.Flags().StringVar(&service, "service", "", "model name to check, empty for the overall status")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "overall timeout")
	return cmd
}
