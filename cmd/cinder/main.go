// The cinder tool inspects bytecode functions. It lifts each function
// to its control-flow graph and prints it, optionally verifies that
// the graph re-assembles to the original bytes, and optionally dumps
// the x86-64 code the back end emits for it.
//
// Functions are described by JSON files of the form
//
//	{"name": "identity", "code": "7c005300", "num_args": 1, "num_locals": 1}
//
// with the bytecode in hexadecimal. The num_consts and num_names
// fields size the constant and name pools for the x86-64 dump; the
// pool addresses are placeholders, so the dump is for inspection only.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kr/pretty"
	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"

	"github.com/mpage/cinder/bytecode"
	"github.com/mpage/cinder/codegen"
	"github.com/mpage/cinder/codegen/x64"
	"github.com/mpage/cinder/runtime"
)

var (
	// dbg is a logger which logs debug messages with "cinder:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("cinder:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:"
	// prefix to standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

func main() {
	// Parse command line arguments.
	var (
		// quiet specifies whether to suppress non-error messages.
		quiet bool
		// opts are the inspection options.
		opts options
	)
	flag.BoolVar(&quiet, "q", false, "suppress non-error messages")
	flag.BoolVar(&opts.verbose, "v", false, "print parsed function descriptors")
	flag.BoolVar(&opts.roundTrip, "r", false, "verify that the CFG re-assembles to the original bytes")
	flag.BoolVar(&opts.dumpX64, "x64", false, "dump emitted x86-64 machine code")
	flag.Var(&opts.start, "start", "start offset of the bytecode window")
	flag.Var(&opts.end, "end", "end offset of the bytecode window (0 = end of buffer)")
	flag.Parse()
	// Skip debug output if -q is set.
	if quiet {
		dbg.SetOutput(io.Discard)
	}

	for _, jsonPath := range flag.Args() {
		if err := inspect(jsonPath, &opts); err != nil {
			log.Fatalf("%+v", err)
		}
	}
}

// options are the inspection options.
type options struct {
	verbose   bool
	roundTrip bool
	dumpX64   bool
	start     bytecode.Offset
	end       bytecode.Offset
}

// funcDesc is a JSON function descriptor.
type funcDesc struct {
	Name      string `json:"name"`
	Code      string `json:"code"`
	NumArgs   int    `json:"num_args"`
	NumLocals int    `json:"num_locals"`
	NumConsts int    `json:"num_consts"`
	NumNames  int    `json:"num_names"`
}

// inspect lifts the function described by the given JSON file and
// prints the requested renderings.
func inspect(jsonPath string, opts *options) error {
	dbg.Printf("inspect(jsonPath = %q)", jsonPath)
	var desc funcDesc
	if err := decodeJSON(jsonPath, &desc); err != nil {
		return errors.WithStack(err)
	}
	if opts.verbose {
		dbg.Println(pretty.Sprint(desc))
	}
	code, err := hex.DecodeString(desc.Code)
	if err != nil {
		return errors.Wrapf(err, "invalid bytecode hex in %q", jsonPath)
	}
	if err := window(&code, opts); err != nil {
		return errors.WithStack(err)
	}
	cfg, err := bytecode.Disassemble(code)
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Printf("=== [ %s ] ===\n", desc.Name)
	fmt.Println(cfg)
	if opts.roundTrip {
		out, err := codegen.Assemble(cfg)
		if err != nil {
			return errors.WithStack(err)
		}
		if !bytes.Equal(out, code) {
			warn.Printf("%s: round-trip mismatch\n   in:  %x\n   out: %x", desc.Name, code, out)
		} else {
			dbg.Printf("%s: round-trip ok (%d bytes)", desc.Name, len(out))
		}
	}
	if opts.dumpX64 {
		meta := placeholderMeta(&desc, code)
		native, err := x64.Compile(cfg, meta, placeholderSymbols())
		if err != nil {
			return errors.WithStack(err)
		}
		listing, err := x64.Dump(native)
		if err != nil {
			return errors.WithStack(err)
		}
		fmt.Print(listing)
	}
	return nil
}

// placeholderMeta builds function metadata with placeholder pool
// addresses, suitable only for dumping emitted code.
func placeholderMeta(desc *funcDesc, code []byte) *runtime.Func {
	consts := make([]runtime.Object, desc.NumConsts)
	names := make([]runtime.Object, desc.NumNames)
	for i := range consts {
		consts[i] = runtime.Object(0x1000 + i*8)
	}
	for i := range names {
		names[i] = runtime.Object(0x2000 + i*8)
	}
	return &runtime.Func{
		Name:            desc.Name,
		Code:            code,
		Constants:       consts,
		Names:           names,
		NumArgs:         desc.NumArgs,
		NumLocals:       desc.NumLocals,
		Globals:         0x3000,
		Builtins:        0x3008,
		GlobalsAreDict:  true,
		BuiltinsAreDict: true,
	}
}

// placeholderSymbols returns a symbol table with placeholder
// addresses, suitable only for dumping emitted code.
func placeholderSymbols() *runtime.Symbols {
	return &runtime.Symbols{
		ObjectGetAttr:  0x4000,
		ObjectSetAttr:  0x4008,
		ObjectIsTrue:   0x4010,
		DictLoadGlobal: 0x4018,
		CallFunction:   0x4020,
		True:           0x5000,
		False:          0x5008,
	}
}

// ### [ Helper functions ] ####################################################

// window restricts code to the [start, end) window of opts.
func window(code *[]byte, opts *options) error {
	start, end := opts.start, opts.end
	if end == 0 {
		end = bytecode.Offset(len(*code))
	}
	if start < 0 || end > bytecode.Offset(len(*code)) || start > end {
		return errors.Errorf("invalid bytecode window [%v, %v) for %d code bytes", start, end, len(*code))
	}
	*code = (*code)[start:end]
	return nil
}

// decodeJSON decodes the given JSON file into v.
func decodeJSON(jsonPath string, v interface{}) error {
	f, err := os.Open(jsonPath)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	if err := dec.Decode(v); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
