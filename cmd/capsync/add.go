package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vonshlovens/capsync/internal/config"
	"github.com/vonshlovens/capsync/internal/intake"
	"github.com/vonshlovens/capsync/internal/queue"
)

// captureFlags are shared by every add subcommand
type captureFlags struct {
	id       string
	journey  string
	owner    string
	tags     []string
	location string
	weather  string
}

func (f *captureFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "capture id (generated when empty)")
	cmd.Flags().StringVarP(&f.journey, "journey", "j", "", "journey id (defaults to journey_id from config)")
	cmd.Flags().StringVar(&f.owner, "owner", "", "owner id (defaults to owner_id from config)")
	cmd.Flags().StringSliceVarP(&f.tags, "tag", "t", nil, "tag to attach (repeatable)")
	cmd.Flags().StringVar(&f.location, "location", "", "location context as JSON")
	cmd.Flags().StringVar(&f.weather, "weather", "", "weather context as JSON")
}

// capture resolves the flags against config defaults
func (f *captureFlags) capture(cfg *config.Config) (intake.Capture, error) {
	c := intake.Capture{
		ID:        f.id,
		JourneyID: f.journey,
		OwnerID:   f.owner,
		Tags:      f.tags,
	}
	if c.JourneyID == "" {
		c.JourneyID = cfg.JourneyID
	}
	if c.OwnerID == "" {
		c.OwnerID = cfg.OwnerID
	}

	var err error
	if c.Location, err = jsonFlag("location", f.location); err != nil {
		return c, err
	}
	if c.Weather, err = jsonFlag("weather", f.weather); err != nil {
		return c, err
	}
	return c, nil
}

func jsonFlag(name, value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	if !json.Valid([]byte(value)) {
		return nil, fmt.Errorf("--%s is not valid JSON", name)
	}
	return json.RawMessage(value), nil
}

type addFunc func(ctx context.Context, in *intake.Intake, c intake.Capture, args []string) ([]queue.PendingItem, error)

func addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a capture",
		Long: `Queues a capture in the local store. Media files are copied into the
store so the capture survives the original being moved or deleted.`,
	}

	var duration float64

	photo := addSubcommand("photo <file>", "Queue a photo", cobra.ExactArgs(1),
		func(ctx context.Context, in *intake.Intake, c intake.Capture, args []string) ([]queue.PendingItem, error) {
			item, err := in.AddPhoto(ctx, c, args[0])
			return []queue.PendingItem{item}, err
		})

	video := addSubcommand("video <file>", "Queue a video", cobra.ExactArgs(1),
		func(ctx context.Context, in *intake.Intake, c intake.Capture, args []string) ([]queue.PendingItem, error) {
			item, err := in.AddVideo(ctx, c, args[0], duration)
			return []queue.PendingItem{item}, err
		})
	video.Flags().Float64Var(&duration, "duration", 0, "duration in seconds")

	audio := addSubcommand("audio <file>", "Queue an audio recording", cobra.ExactArgs(1),
		func(ctx context.Context, in *intake.Intake, c intake.Capture, args []string) ([]queue.PendingItem, error) {
			item, err := in.AddAudio(ctx, c, args[0], duration)
			return []queue.PendingItem{item}, err
		})
	audio.Flags().Float64Var(&duration, "duration", 0, "duration in seconds")

	note := addSubcommand("note <text>...", "Queue a text note", cobra.MinimumNArgs(1),
		func(ctx context.Context, in *intake.Intake, c intake.Capture, args []string) ([]queue.PendingItem, error) {
			item, err := in.AddNote(ctx, c, strings.Join(args, " "))
			return []queue.PendingItem{item}, err
		})

	file := addSubcommand("file <path>...", "Queue files, picking the kind from the extension", cobra.MinimumNArgs(1),
		func(ctx context.Context, in *intake.Intake, c intake.Capture, args []string) ([]queue.PendingItem, error) {
			var items []queue.PendingItem
			var errs []error
			for _, path := range args {
				item, err := in.AddFile(ctx, c, path)
				if item.ID != "" {
					items = append(items, item)
				}
				switch {
				case queue.IsKind(err, queue.IntakeCopyFailure):
					fmt.Printf("Warning: %s: %v\n", filepath.Base(path), err)
				case err != nil:
					errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
				}
			}
			return items, errors.Join(errs...)
		})
	file.Long = `Queues each file by extension: .md and .txt become notes, known image,
video and audio extensions become media captures. Markdown frontmatter can
set id, journey, owner, created, tags, location and weather.`

	cmd.AddCommand(photo, video, audio, note, file)
	return cmd
}

func addSubcommand(use, short string, args cobra.PositionalArgs, add addFunc) *cobra.Command {
	flags := &captureFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
	}
	flags.register(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := flags.capture(cfg)
		if err != nil {
			return err
		}

		store := openQueue(cfg)
		items, err := add(cmd.Context(), intake.New(store), c, args)
		for _, item := range items {
			fmt.Printf("Queued %s %s (%s)\n", item.Kind, item.ID, item.JourneyID)
		}
		if queue.IsKind(err, queue.IntakeCopyFailure) {
			// Queued, but syncing depends on the original staying put
			fmt.Printf("Warning: %v\n", err)
			return nil
		}
		return err
	}
	return cmd
}
