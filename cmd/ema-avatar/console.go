package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	orchestration "github.com/koscakluka/ema-avatar/core"
	"github.com/koscakluka/ema-avatar/core/audio/miniaudio"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/internal/console"
)

var (
	textOnly     bool
	consoleWidth int
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Talk to the avatar from the terminal",
	Long: `Runs one session locally. Microphone audio is recognized and avatar speech is
played on the default sound devices. Typed lines are asked as questions,
/stop ends the session and /quit exits.`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().BoolVar(&textOnly, "text-only", false, "do not use the microphone or speakers")
	consoleCmd.Flags().IntVar(&consoleWidth, "width", 80, "wrap width of the chat text")
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var device console.AudioDevice
	opts := []orchestration.OrchestratorOption{
		orchestration.WithConfig(cfg.Orchestration()),
		orchestration.WithCredentialGateway(newGateway(cfg)),
		orchestration.WithAnswerClient(newAnswerClient(cfg)),
	}

	synthesizerOpts := avatarOptions(cfg)
	if !textOnly {
		d, err := miniaudio.NewDevice(miniaudio.WithCaptureFrameDuration(cfg.Recognizer.FrameDuration))
		if err != nil {
			return fmt.Errorf("failed to open audio device: %w", err)
		}
		defer d.Close()
		device = d
		synthesizerOpts = append(synthesizerOpts, avatar.WithAudioEncoding(d.EncodingInfo()))

		if newRecognizer := recognizerFactory(cfg); newRecognizer != nil {
			opts = append(opts, orchestration.WithRecognizer(newRecognizer()))
		}
	}

	c := console.New(console.NewPresenter(cmd.OutOrStdout(), consoleWidth), device)
	opts = append(opts,
		orchestration.WithAvatarSynthesizer(newSynthesizer(cfg), synthesizerOpts...),
		orchestration.WithEventHandler(c.HandleEvent),
		orchestration.WithFrameHandler(c.HandleFrame),
	)

	o := orchestration.NewOrchestrator(opts...)
	defer o.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.Run(ctx, o, cmd.InOrStdin())
}
