package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/mockpanel/internal/audio"
)

type runOptions struct {
	baseURL      string
	candidate    string
	answers      []string
	maxTurns     int
	answerDelay  time.Duration
	turnTimeout  time.Duration
	bridge       bool
	wavPath      string
	levelsPeriod time.Duration
	verbose      bool
}

var defaultAnswers = []string{
	"In my last role I owned the migration of our billing service and kept downtime under five minutes.",
	"I usually start by writing down the constraints, then pick the simplest design that meets them.",
	"When we disagreed on scope I set up a short call, listed the trade-offs and we agreed on a phased plan.",
	"I want to grow into a role where I mentor engineers and shape the technical roadmap.",
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "panelsim: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "panelsim",
		Short:         "Practice client for the mock interview panel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newLevelsCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var (
		opts       runOptions
		answersRaw string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scripted panel session against a server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
			if opts.baseURL == "" {
				return errors.New("base-url is required")
			}
			if opts.turnTimeout < time.Second {
				opts.turnTimeout = time.Second
			}
			opts.answers = splitAnswers(answersRaw)
			if len(opts.answers) == 0 {
				opts.answers = append([]string(nil), defaultAnswers...)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
			defer cancel()
			return runSession(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "mock panel server base URL")
	f.StringVar(&opts.candidate, "candidate", "Practice Candidate", "candidate name shown in the transcript")
	f.StringVar(&answersRaw, "answers", "", "answers separated by '|' (cycled across questions)")
	f.IntVar(&opts.maxTurns, "turns", 0, "stop after this many questions (0 = until the panel completes)")
	f.DurationVar(&opts.answerDelay, "answer-delay", 2*time.Second, "pause before answering each question")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 30*time.Second, "timeout waiting for a question to be spoken")
	f.BoolVar(&opts.bridge, "bridge", false, "act as the browser for a server in bridge mode")
	f.StringVar(&opts.wavPath, "wav", "", "16-bit PCM WAV streamed as microphone audio in bridge mode")
	f.DurationVar(&opts.levelsPeriod, "levels-every", 100*time.Millisecond, "analyser frame period in bridge mode")
	f.BoolVar(&opts.verbose, "verbose", false, "print every websocket event")
	return cmd
}

func newLevelsCommand() *cobra.Command {
	var (
		bins   int
		window time.Duration
	)
	cmd := &cobra.Command{
		Use:   "levels <file.wav>",
		Short: "Print the volume levels the sampler would see for a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			pcm, sampleRate, err := decodeWAVPCM16(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			for i, frame := range levelFrames(pcm, sampleRate, window, bins) {
				level := audio.RMSLevel(frame)
				fmt.Fprintf(out, "%8s  volume=%5.1f  clarity=%5.1f\n",
					(time.Duration(i) * window).String(), level, audio.Clarity(level))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&bins, "bins", 128, "analyser bins per frame")
	cmd.Flags().DurationVar(&window, "window", 100*time.Millisecond, "frame window")
	return cmd
}

func splitAnswers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// levelFrames slices PCM into windows and folds each into analyser bins.
func levelFrames(pcm []byte, sampleRate int, window time.Duration, bins int) [][]byte {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if bins <= 0 {
		bins = 128
	}
	frameBytes := int(int64(sampleRate) * 2 * int64(window) / int64(time.Second))
	if frameBytes < 2 {
		frameBytes = 2
	}
	frameBytes -= frameBytes % 2
	var frames [][]byte
	for off := 0; off+2 <= len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm) - (len(pcm)-off)%2
		}
		dst := make([]byte, bins)
		n := audio.PCM16Levels(pcm[off:end], dst)
		frames = append(frames, dst[:n])
	}
	return frames
}
