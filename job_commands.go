package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"mediaconv/models"
	"mediaconv/services"

	"github.com/spf13/cobra"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var (
		kind     string
		output   string
		name     string
		quality  int
		mono     string
		format   string
		fps      float64
		compress string
		timeout  int
		callback string
		retries  int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <input>",
		Short: "Queue a conversion job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := buildParams(kind, quality, mono, format, fps, compress)
			if err != nil {
				return err
			}
			job := &models.ConversionJob{
				InputPath:   args[0],
				OutputPath:  output,
				OutputName:  name,
				Params:      params,
				MaxRetries:  retries,
				Timeout:     timeout,
				CallbackURL: callback,
			}
			if job.OutputPath == "" && !ctx.config().Storage.Remote() {
				return errors.New("--output is required in local storage mode")
			}

			pool, err := ctx.queue(cmd.Context())
			if err != nil {
				return err
			}
			id, err := pool.Enqueue(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&kind, "kind", "k", "", "Conversion kind: image, audio, video or frames")
	flags.StringVarP(&output, "output", "o", "", "Output path (local storage mode)")
	flags.StringVar(&name, "name", "", "Object name for the uploaded output (remote storage mode)")
	flags.IntVar(&quality, "quality", 0, "JPEG quality, 1 (best) to 31")
	flags.StringVar(&mono, "mono", "", "Downmix audio to mono: yes or no")
	flags.StringVar(&format, "format", "", "Audio format: wav or mp3")
	flags.Float64Var(&fps, "fps", 0, "Frames per second to extract")
	flags.StringVar(&compress, "compress", "", "Frame archive: zip, gzip or none")
	flags.IntVar(&timeout, "timeout", 0, "Encoder timeout override in seconds")
	flags.StringVar(&callback, "callback", "", "URL notified with the result")
	flags.IntVar(&retries, "max-retries", 0, "Retry budget for upload failures")
	_ = cmd.MarkFlagRequired("kind")

	return cmd
}

func buildParams(kind string, quality int, mono, format string, fps float64, compress string) (models.Params, error) {
	switch models.Kind(strings.ToLower(kind)) {
	case models.KindImage:
		return models.NewImageParams(quality)
	case models.KindAudio:
		return models.NewAudioParams(mono, format)
	case models.KindVideo:
		return models.VideoParams{}, nil
	case models.KindFrames:
		return models.NewFrameParams(fps, compress)
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := ctx.queue(cmd.Context())
			if err != nil {
				return err
			}
			status, err := pool.Status(cmd.Context(), args[0])
			if err == nil {
				printFields(cmd, status)
				return nil
			}

			// Redis status entries are not durable; fall back to Postgres.
			db, dbErr := services.NewDatabaseService(ctx.config().DatabaseURL)
			if dbErr != nil {
				return err
			}
			defer db.Close()
			result, state, found, dbErr := db.GetResult(cmd.Context(), args[0])
			if dbErr != nil {
				return dbErr
			}
			if !found {
				return err
			}
			fields := map[string]string{"status": state}
			if state != "processing" {
				fields["success"] = fmt.Sprint(result.Success)
			}
			if result.OutputPath != "" {
				fields["outputPath"] = result.OutputPath
			}
			if result.OutputURL != "" {
				fields["outputUrl"] = result.OutputURL
			}
			if result.Error != "" {
				fields["error"] = result.Error
			}
			printFields(cmd, fields)
			return nil
		},
	}
}

func printFields(cmd *cobra.Command, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", k+":", fields[k])
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := ctx.queue(cmd.Context())
			if err != nil {
				return err
			}
			if err := pool.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
			return nil
		},
	}
}
