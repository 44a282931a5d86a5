package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/flsqspi/nor"
	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
)

// Optional flags.
var (
	timingsOutput string
)

// BusCtl controls how single lane SPI NOR transactions are decoded.
type BusCtl struct {
	// AddrBytes is the address length of addressed commands, 3 or 4.
	AddrBytes    int
	OmitStatus   bool
	OmitReadData bool
	// MaxData truncates the printed data of every transaction. Zero prints all.
	MaxData int
}

func main() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "qspianalyze - Process Binary Saleae digital data files of a single lane QSPI NOR bus.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	sdo := flag.String("f-sdo", "digital_1.bin", "Input filename: IO0 (controller out) data.")
	sdi := flag.String("f-sdi", "digital_3.bin", "Input filename: IO1 (memory out) data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: chip select data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SCK data.")
	output := flag.String("o-cmd", "commands.txt", "Output filename of decoded NOR commands.")
	flag.StringVar(&timingsOutput, "o-time", "", "Output timing data to a file corresponding to output command history line-by-line.")
	addrBytes := flag.Int("addr-bytes", 3, "Address length of addressed commands. Accepts 3 or 4.")
	omitStatus := flag.Bool("omit-status", false, "Omit status register reads in output.")
	omitReadData := flag.Bool("omit-read-data", false, "Choose to omit data returned by the memory in output.")
	maxData := flag.Int("max-data", 32, "Truncate printed data to n bytes. 0 prints everything.")
	flag.Parse()
	if *addrBytes != 3 && *addrBytes != 4 {
		log.Fatal("invalid address length ", *addrBytes)
	}
	BUS := BusCtl{
		AddrBytes:    *addrBytes,
		OmitStatus:   *omitStatus,
		OmitReadData: *omitReadData,
		MaxData:      *maxData,
	}
	start := time.Now()
	if err := BUS.run(*sdo, *sdi, *enable, *clk, *output); err != nil {
		log.Fatal(err.Error())
	}
	log.Println("finished in", time.Since(start))
}

func (bus *BusCtl) run(sdo, sdi, enable, clk, output string) error {
	commands, err := bus.processSpiFiles(sdo, sdi, clk, enable)
	if err != nil {
		return err
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()

	var timings *os.File
	if timingsOutput != "" {
		log.Println("creating timings file", timingsOutput)
		timings, err = os.Create(timingsOutput)
		if err != nil {
			return err
		}
		defer timings.Close()
	}
	for _, action := range commands {
		if bus.OmitStatus && action.Cmd.Op == nor.CmdReadStatus {
			continue
		}
		if err := bus.print(fp, action); err != nil {
			return err
		}
		if timings != nil {
			fmt.Fprintf(timings, "t=%f\tcmd=%s\n", action.Start, action.Cmd.String())
		}
	}
	slog.Info("decoded", slog.Int("commands", len(commands)), slog.String("output", output))
	return nil
}

func (bus *BusCtl) print(w io.Writer, action nortx) (err error) {
	const fmtMsg = "cmd×%2d %s"
	data := action.Data
	if bus.OmitReadData && !action.Cmd.Write {
		data = nil
	}
	if bus.MaxData > 0 && len(data) > bus.MaxData {
		_, err = fmt.Fprintf(w, fmtMsg+" data=%#x... (%d bytes)\n", action.Num, action.Cmd.String(), data[:bus.MaxData], len(data))
	} else if len(data) > 0 {
		_, err = fmt.Fprintf(w, fmtMsg+" data=%#x\n", action.Num, action.Cmd.String(), data)
	} else {
		_, err = fmt.Fprintf(w, fmtMsg+"\n", action.Num, action.Cmd.String())
	}
	return err
}

func (bus *BusCtl) processSpiFiles(fsdo, fsdi, fclk, fenable string) ([]nortx, error) {
	sdo, err := opendigital(fsdo)
	if err != nil {
		return nil, err
	}
	sdi, err := opendigital(fsdi)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, sdo, sdi)
	return bus.process(txs), nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

// NORCmd is the command phase of a NOR transaction.
type NORCmd struct {
	Op      byte
	HasAddr bool
	Addr    uint32
	// Write is set for commands whose data phase is driven by the controller.
	Write bool
}

func (cmd *NORCmd) String() string {
	if !cmd.HasAddr {
		return fmt.Sprintf("%-9s", nor.CommandName(cmd.Op))
	}
	return fmt.Sprintf("%-9s addr=0x%06x", nor.CommandName(cmd.Op), cmd.Addr)
}

// CommandFromBytes splits a transaction into its command and data phase.
// sdo is what the controller drove and sdi what the memory returned.
func (bus *BusCtl) CommandFromBytes(sdo, sdi []byte) (cmd NORCmd, data []byte) {
	if len(sdo) == 0 {
		return cmd, nil
	}
	cmd.Op = sdo[0]
	n := 1
	if nor.HasAddress(cmd.Op) && len(sdo) >= 1+bus.AddrBytes {
		cmd.HasAddr = true
		for _, b := range sdo[1 : 1+bus.AddrBytes] {
			cmd.Addr = cmd.Addr<<8 | uint32(b)
		}
		n += bus.AddrBytes
	}
	switch cmd.Op {
	case nor.CmdPageProgram, nor.CmdQuadPageProgram, nor.CmdWriteStatus:
		cmd.Write = true
		return cmd, sdo[n:]
	case nor.CmdFastRead:
		n++ // Dummy byte.
	}
	if n > len(sdi) {
		return cmd, nil
	}
	return cmd, sdi[n:]
}

type nortx struct {
	Num   int
	Cmd   NORCmd
	Data  []byte
	Start float64
}

type rawtx struct {
	sdo, sdi []byte
	start    float64
}

func (bus *BusCtl) process(txs []analyzers.TxSPI) []nortx {
	raw := make([]rawtx, len(txs))
	for i := range txs {
		raw[i] = rawtx{sdo: txs[i].SDO, sdi: txs[i].SDI, start: txs[i].StartTime()}
	}
	return bus.collapse(raw)
}

// collapse decodes transactions, folding runs of identical ones such as
// status polling into a single entry.
func (bus *BusCtl) collapse(txs []rawtx) (ntxs []nortx) {
	accumulativeResults := 1
	for i := 0; i < len(txs); i++ {
		tx := txs[i]
		cmd, data := bus.CommandFromBytes(tx.sdo, tx.sdi)
		for j := i + 1; j < len(txs); j++ {
			nextcmd, nextdata := bus.CommandFromBytes(txs[j].sdo, txs[j].sdi)
			if nextcmd != cmd || !bytes.Equal(data, nextdata) {
				break
			}
			accumulativeResults++
			i = j
		}
		ntxs = append(ntxs, nortx{
			Num:   accumulativeResults,
			Cmd:   cmd,
			Data:  data,
			Start: tx.start,
		})
		accumulativeResults = 1
	}
	return ntxs
}
