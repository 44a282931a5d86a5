package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/soypat/flsqspi/qspireg"
)

// lutdecode prints the contents of QSPI controller registers read off a
// debugger. Without flags the arguments are up to four LUT words of a single
// sequence. With -fr the single argument is an FR or RSER value.
func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: lutdecode [-fr] hexword...")
	}
	var err error
	args := os.Args[1:]
	if args[0] == "-fr" {
		err = decodeFlags(os.Stdout, args[1:])
	} else {
		err = decodeSeq(os.Stdout, args)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func parseWord(arg string) (uint32, error) {
	arg = strings.TrimPrefix(strings.TrimPrefix(arg, "0x"), "0X")
	w, err := strconv.ParseUint(arg, 16, 32)
	return uint32(w), err
}

func decodeSeq(w io.Writer, args []string) error {
	if len(args) == 0 || len(args) > qspireg.LUTSeqWords {
		return fmt.Errorf("need 1 to %d LUT words, got %d", qspireg.LUTSeqWords, len(args))
	}
	var words [qspireg.LUTSeqWords]uint32
	for i, arg := range args {
		word, err := parseWord(arg)
		if err != nil {
			return err
		}
		words[i] = word
	}
	seq := qspireg.SeqFromWords(words)
	n := seq.Len()
	for i, in := range seq[:n] {
		ddr := ""
		if in.Opcode().IsDDR() {
			ddr = " ddr"
		}
		fmt.Fprintf(w, "%d: %-10s pads=x%d operand=%#02x%s  raw=%#04x\n", i, in.Opcode(), in.Pads().Lines(), in.Operand(), ddr, uint16(in))
	}
	fmt.Fprintf(w, "seq=%s  len=%d  valid=%v\n", seq.String(), n, seq.Valid())
	return nil
}

func decodeFlags(w io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.New("-fr takes a single register value")
	}
	v, err := parseWord(args[0])
	if err != nil {
		return err
	}
	f := qspireg.Flag(v)
	fmt.Fprintf(w, "flags=%s  errors=%s  x=%#x\n", f, f&qspireg.FlagErrors, v)
	return nil
}
