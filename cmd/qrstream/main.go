package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ppopth/qrstream"
	"github.com/ppopth/qrstream/session"

	"github.com/fatih/color"
	logging "github.com/ipfs/go-log/v2"
	qrcode "github.com/skip2/go-qrcode"
)

const usage = `usage: qrstream <command> [flags] [args]

commands:
  encode   turn a file into an animated QR GIF
  decode   recover a file from GIF or image captures
  inspect  print the frame headers found in captures
  send     stream a file's frames to a receiver over QUIC
  recv     receive a streamed file over QUIC
`

var (
	errorf = color.New(color.FgRed).FprintfFunc()
	okf    = color.New(color.FgGreen).PrintfFunc()
	warnf  = color.New(color.FgYellow).PrintfFunc()
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "encode":
		err = runEncode(ctx, args)
	case "decode":
		err = runDecode(ctx, args)
	case "inspect":
		err = runInspect(ctx, args)
	case "send":
		err = runSend(ctx, args)
	case "recv":
		err = runRecv(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		errorf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging applies the -log-level flag to every logger
func setupLogging(levelName string) {
	level, err := logging.LevelFromString(levelName)
	if err != nil {
		warnf("Invalid log level %q, using info\n", levelName)
		level = logging.LevelInfo
	}
	logging.SetAllLoggers(level)
}

// encodeFlags are shared by the commands that build frames from a file
type encodeFlags struct {
	chunkSize *int
	blocks    *int
	ecc       *int
	level     *string
	frames    *string
}

func addEncodeFlags(fs *flag.FlagSet) *encodeFlags {
	defaults := qrstream.DefaultParams()
	return &encodeFlags{
		chunkSize: fs.Int("chunk-size", defaults.ChunkSize, "payload bytes per frame"),
		blocks:    fs.Int("blocks", defaults.BlocksCount, "plain chunks per segment"),
		ecc:       fs.Int("ecc", 25, "error correction, parity chunks as a percentage of -blocks"),
		level:     fs.String("level", "M", "QR error correction level: L, M, Q or H"),
		frames:    fs.String("frames", "", "only keep these frame indices, e.g. 0,3,5-9"),
	}
}

func (f *encodeFlags) params() (qrstream.Params, error) {
	params := qrstream.DefaultParams()
	params.ChunkSize = *f.chunkSize
	params.BlocksCount = *f.blocks
	if *f.ecc < 0 {
		return params, fmt.Errorf("-ecc must not be negative, got %d", *f.ecc)
	}
	params.ExtraBlocksCount = qrstream.ExtraBlocksFromPercent(*f.blocks, *f.ecc)

	level, err := parseLevel(*f.level)
	if err != nil {
		return params, err
	}
	params.Level = level

	if *f.frames != "" {
		if params.IncludeFrames, err = parseIndices(*f.frames); err != nil {
			return params, err
		}
	}
	return params, params.Validate()
}

func parseLevel(s string) (qrcode.RecoveryLevel, error) {
	switch strings.ToUpper(s) {
	case "L":
		return qrcode.Low, nil
	case "M":
		return qrcode.Medium, nil
	case "Q":
		return qrcode.High, nil
	case "H":
		return qrcode.Highest, nil
	default:
		return 0, fmt.Errorf("unknown QR error correction level %q", s)
	}
}

// parseIndices parses a comma separated list of indices and inclusive ranges.
// Frame indices are 16-bit, so larger values are rejected.
func parseIndices(s string) ([]int, error) {
	var indices []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || start < 0 || start > math.MaxUint16 {
			return nil, fmt.Errorf("invalid frame index %q", part)
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || end < start || end > math.MaxUint16 {
				return nil, fmt.Errorf("invalid frame range %q", part)
			}
		}
		for i := start; i <= end; i++ {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("no frame indices in %q", s)
	}
	return indices, nil
}

// writeResult stores a received file in dir under its base name
func writeResult(dir string, result session.Result) (string, error) {
	name := filepath.Base(filepath.Clean("/" + result.Filename))
	if name == "/" || name == "." {
		name = "qrstream.out"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, result.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// progressPrinter reports session events on the terminal
type progressPrinter struct {
	sess *session.DecodeSession
}

func (p *progressPrinter) SegmentResolved(segment int, plainStart, plainEnd int) {
	if p.sess == nil {
		return
	}
	progress := p.sess.Progress()
	fmt.Printf("segment %d resolved: %d/%d chunks, %d/%d frames (%.0f%%)\n",
		segment, progress.ResolvedPlain, progress.TotalPlain,
		progress.ReceivedFrames, progress.TotalFrames, progress.Percent())
}

func (p *progressPrinter) TransferComplete(result session.Result) {
	okf("Received %q (%d bytes)\n", result.Filename, len(result.Data))
}

func (p *progressPrinter) TransferFailed(err error) {
	errorf(os.Stderr, "Transfer failed: %v\n", err)
}

func newSession(opts ...session.Option) (*session.DecodeSession, error) {
	printer := &progressPrinter{}
	opts = append([]session.Option{session.WithObserver(printer)}, opts...)
	sess, err := session.NewDecodeSession(opts...)
	if err != nil {
		return nil, err
	}
	printer.sess = sess
	return sess, nil
}

func elapsed(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
