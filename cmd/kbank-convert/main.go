// Command kbank-convert builds a kernel bank from WAV impulse responses.
//
// Usage:
//
//	kbank-convert [options] <input-directory> <output-file>
//
// Options:
//
//	-recursive     Scan input directory recursively
//	-normalize     Normalize peak amplitude to -1.0dB
//	-rate          Resample every kernel to this rate (0 keeps the file rate)
//	-encoding      Payload encoding, f16 or f32
//	-verbose       Show progress and details
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"graal-conv/internal/wavio"
	"graal-conv/pkg/kbank"
	"graal-conv/pkg/resampler"
)

var errNoInput = errors.New("no kernels converted")

type options struct {
	recursive bool
	normalize bool
	rate      int
	encoding  kbank.Encoding
	verbose   bool
	out       io.Writer
}

func main() {
	var (
		opts     options
		encoding string
	)

	flag.BoolVar(&opts.recursive, "recursive", false, "Scan input directory recursively")
	flag.BoolVar(&opts.normalize, "normalize", false, "Normalize peak amplitude to -1.0dB")
	flag.IntVar(&opts.rate, "rate", 0, "Resample every kernel to this rate in Hz (0 keeps the file rate)")
	flag.StringVar(&encoding, "encoding", "f16", "Payload encoding (f16, f32)")
	flag.BoolVar(&opts.verbose, "verbose", false, "Show progress and details")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <input-directory> <output-file>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Converts WAV impulse responses to a kernel bank (.kbank).\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s ./irs ./library.kbank\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -rate 48000 -encoding f32 -normalize ./halls ./halls.kbank\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	enc, err := kbank.ParseEncoding(encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	opts.encoding = enc
	opts.out = os.Stdout

	if err := run(flag.Arg(0), flag.Arg(1), opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(inputDir, outputFile string, opts options) error {
	files, err := findWAVFiles(inputDir, opts.recursive)
	if err != nil {
		return fmt.Errorf("failed to scan directory: %w", err)
	}

	if len(files) == 0 {
		return fmt.Errorf("%w: no .wav files found in %s", errNoInput, inputDir)
	}

	if opts.verbose {
		fmt.Fprintf(opts.out, "Found %d WAV files\n", len(files))
	}

	var sets []*kbank.KernelSet

	for i, filePath := range files {
		if opts.verbose {
			fmt.Fprintf(opts.out, "[%d/%d] Processing: %s\n", i+1, len(files), filepath.Base(filePath))
		}

		set, err := convertFile(filePath, inputDir, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping %s: %v\n", filePath, err)
			continue
		}

		sets = append(sets, set)
	}

	if len(sets) == 0 {
		return errNoInput
	}

	outFile, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	if err := kbank.WriteAll(outFile, opts.encoding, sets); err != nil {
		return fmt.Errorf("failed to write bank: %w", err)
	}

	info, err := outFile.Stat()
	if err == nil && opts.verbose {
		fmt.Fprintf(opts.out, "\nBank written: %s\n", outputFile)
		fmt.Fprintf(opts.out, "  Kernel sets: %d\n", len(sets))
		fmt.Fprintf(opts.out, "  Size: %.2f MB\n", float64(info.Size())/(1024*1024))
	} else {
		fmt.Fprintf(opts.out, "Created %s with %d kernel sets\n", outputFile, len(sets))
	}

	return nil
}

func findWAVFiles(dir string, recursive bool) ([]string, error) {
	var files []string

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() && path != dir && !recursive {
			return fs.SkipDir
		}

		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".wav") {
			files = append(files, path)
		}

		return nil
	}

	if err := filepath.WalkDir(dir, walkFn); err != nil {
		return nil, err
	}

	return files, nil
}

func convertFile(filePath, baseDir string, opts options) (*kbank.KernelSet, error) {
	clip, err := wavio.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	taps, err := clip.Planar()
	if err != nil {
		return nil, err
	}

	rate := float64(clip.SampleRate)

	if opts.rate > 0 && opts.rate != clip.SampleRate {
		if taps, err = resampler.New().ResampleKernels(taps, rate, float64(opts.rate)); err != nil {
			return nil, err
		}

		rate = float64(opts.rate)
	}

	if opts.normalize {
		taps = normalizeAudio(taps)
	}

	set := &kbank.KernelSet{
		Name:        inferName(filePath),
		Description: inferCategory(filePath, baseDir),
		SampleRate:  rate,
		Taps:        taps,
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}

	if opts.verbose {
		fmt.Fprintf(opts.out, "    %s: %d ch, %.0f Hz, %d taps (%.2fs)\n",
			set.Name, set.Channels(), set.SampleRate, set.Length(), set.Duration())
	}

	return set, nil
}

// inferName extracts a clean name from the file path.
func inferName(filePath string) string {
	name := filepath.Base(filePath)
	name = strings.TrimSuffix(name, filepath.Ext(name))

	return strings.ReplaceAll(name, "_", " ")
}

// inferCategory uses the first directory level below baseDir.
func inferCategory(filePath, baseDir string) string {
	rel, err := filepath.Rel(baseDir, filePath)
	if err != nil {
		return "Default"
	}

	dir := filepath.Dir(rel)
	if dir == "." || dir == "" {
		return "Default"
	}

	parts := strings.Split(dir, string(filepath.Separator))
	if parts[0] != "" {
		return parts[0]
	}

	return "Default"
}

// normalizeAudio scales all channels so the peak sits at -1.0dB.
func normalizeAudio(data [][]float32) [][]float32 {
	var peak float32

	for _, ch := range data {
		for _, sample := range ch {
			peak = max(peak, float32(math.Abs(float64(sample))))
		}
	}

	if peak == 0 {
		return data
	}

	gain := float32(math.Pow(10, -1.0/20.0)) / peak

	result := make([][]float32, len(data))
	for ch := range data {
		result[ch] = make([]float32, len(data[ch]))
		for i, sample := range data[ch] {
			result[ch][i] = sample * gain
		}
	}

	return result
}
