package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/marcinbor85/gohex"
	"github.com/soypat/flsqspi"
	"github.com/soypat/flsqspi/report"
)

// Optional flags.
var (
	mqttAddr  string
	mqttTopic string
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "flssim - Program an Intel HEX image into a simulated QSPI flash and read it back.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	input := flag.String("i", "image.hex", "Input Intel HEX image.")
	output := flag.String("o", "", "Output Intel HEX file of the data read back from flash.")
	hyper := flag.Bool("hyper", false, "Simulate a Hyperflash instead of a SPI NOR flash.")
	modeName := flag.String("mode", "sync", "Job mode: sync, async or irq.")
	size := flag.Uint("size", 1<<20, "Simulated chip size in bytes.")
	busy := flag.Int("busy", 4, "Status reads the chip reports busy after every program or erase.")
	verify := flag.Bool("verify", true, "Blank check erased sectors and compare programmed data.")
	verbose := flag.Bool("v", false, "Log every driver transaction.")
	flag.StringVar(&mqttAddr, "mqtt", "", "MQTT broker address to publish job events to.")
	flag.StringVar(&mqttTopic, "topic", "flssim/jobs", "MQTT topic of job events.")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug - 1
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	mode, err := parseMode(*modeName)
	if err != nil {
		log.Fatal(err)
	}
	cfg := simConfig{
		Hyperflash: *hyper,
		Mode:       mode,
		ChipSize:   uint32(*size),
		BusyPolls:  *busy,
		Verify:     *verify,
		Logger:     logger,
	}
	start := time.Now()
	if err := run(cfg, *input, *output, logger); err != nil {
		log.Fatal(err)
	}
	log.Println("finished in", time.Since(start))
}

func parseMode(s string) (flsqspi.Mode, error) {
	for _, m := range []flsqspi.Mode{flsqspi.ModeSync, flsqspi.ModeAsync, flsqspi.ModeIRQ} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func run(cfg simConfig, input, output string, logger *slog.Logger) error {
	fp, err := os.Open(input)
	if err != nil {
		return err
	}
	image := gohex.NewMemory()
	err = image.ParseIntelHex(fp)
	fp.Close()
	if err != nil {
		return err
	}

	var pub *report.Publisher
	if mqttAddr != "" {
		conn, err := net.Dial("tcp", mqttAddr)
		if err != nil {
			return err
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		pub, err = report.NewPublisher(report.PublisherConfig{
			ClientID: "flssim",
			Topic:    mqttTopic,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if err := pub.Connect(conn); err != nil {
			return err
		}
		conn.SetDeadline(time.Time{})
	}
	cfg.OnEvent = func(e report.Event) {
		logger.Info("job", slog.String("event", e.String()))
		if pub != nil && pub.Connected() {
			pub.Publish(e)
		}
	}

	f, err := newFlasher(cfg)
	if err != nil {
		return err
	}
	readback, err := f.program(image)
	if err != nil {
		return err
	}
	logger.Info("programmed", slog.Int("segments", len(readback.GetDataSegments())), slog.String("mode", cfg.Mode.String()))
	if output == "" {
		return nil
	}
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()
	return readback.DumpIntelHex(out, 16)
}
