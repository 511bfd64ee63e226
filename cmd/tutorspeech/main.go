package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/tutorspeech/internal/audio"
	"github.com/loqalabs/tutorspeech/internal/config"
	"github.com/loqalabs/tutorspeech/internal/llm"
	"github.com/loqalabs/tutorspeech/internal/runtime"
	"github.com/loqalabs/tutorspeech/internal/tts"
	"github.com/loqalabs/tutorspeech/internal/tutor"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'speak', 'ask', 'inspect' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "speak":
		err = runSpeak(ctx, os.Args[2:], os.Stdout)
	case "ask":
		err = runAsk(ctx, os.Args[2:], os.Stdout)
	case "inspect":
		err = runInspect(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if errors.Is(err, tts.ErrAborted) {
		os.Exit(130)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type speechFlags struct {
	configPath string
	voice      string
	model      string
	sampleRate int
	out        string
}

func (f *speechFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file (defaults and TUTOR_* env when empty)")
	fs.StringVar(&f.voice, "voice", "", "Voice override")
	fs.StringVar(&f.model, "model", "", "Model override")
	fs.IntVar(&f.sampleRate, "sample-rate", 0, "Sample rate override in Hz")
	fs.StringVar(&f.out, "out", "speech.wav", "Output WAV file")
}

func (f *speechFlags) setup() (config.Config, tts.Synthesizer, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger := runtime.NewLogger(cfg.Telemetry, os.Stderr)
	synth, err := tts.New(cfg.TTS, logger)
	return cfg, synth, err
}

func runSpeak(ctx context.Context, args []string, out io.Writer) error {
	var sf speechFlags
	var text string
	fs := flag.NewFlagSet("speak", flag.ContinueOnError)
	sf.register(fs)
	fs.StringVar(&text, "text", "", "Text to speak")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if text == "" {
		return errors.New("-text is required")
	}

	_, synth, err := sf.setup()
	if err != nil {
		return err
	}
	res, err := synth.Synthesize(ctx, tts.SynthRequest{Text: text, Voice: sf.voice, Model: sf.model, SampleRate: sf.sampleRate})
	if err != nil {
		return err
	}
	if err := os.WriteFile(sf.out, res.Audio, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s (%d bytes) ttfb=%dms total=%dms chunks=%d\n",
		sf.out, len(res.Audio), res.Stats.TimeToFirstChunk.Milliseconds(), res.Stats.Total.Milliseconds(), res.Stats.Chunks)
	return nil
}

func runAsk(ctx context.Context, args []string, out io.Writer) error {
	var sf speechFlags
	var question string
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	sf.register(fs)
	fs.StringVar(&question, "question", "", "Question for the tutor")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if question == "" {
		return errors.New("-question is required")
	}

	cfg, synth, err := sf.setup()
	if err != nil {
		return err
	}
	if !cfg.LLM.Enabled {
		return errors.New("llm is disabled (set llm.enabled or TUTOR_LLM_ENABLED)")
	}
	gen, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}
	tu := tutor.New(gen, synth, llm.OptionsFromConfig(cfg.LLM), runtime.NewLogger(cfg.Telemetry, os.Stderr))
	ans, err := tu.Ask(ctx, tutor.Question{Prompt: question, Voice: sf.voice, Model: sf.model, SampleRate: sf.sampleRate})
	if err != nil {
		return err
	}
	if err := os.WriteFile(sf.out, ans.Speech.Audio, 0o644); err != nil {
		return err
	}
	fmt.Fprintln(out, ans.Text)
	fmt.Fprintf(out, "wrote %s (%d bytes) llm=%dms ttfb=%dms total=%dms\n",
		sf.out, len(ans.Speech.Audio), ans.LLMDuration.Milliseconds(),
		ans.Speech.Stats.TimeToFirstChunk.Milliseconds(), ans.Speech.Stats.Total.Milliseconds())
	return nil
}

func runInspect(args []string, out io.Writer) error {
	var path string
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&path, "file", "speech.wav", "WAV file to inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	info, err := audio.Inspect(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
