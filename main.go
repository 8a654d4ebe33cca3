package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"smaliemu/smali"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

	app := &cli.App{
		Name:  "smaliemu",
		Usage: "run or inspect a Smali instruction listing",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Required: true, Usage: "path to the Smali source file"},
			&cli.StringFlag{Name: "method", Aliases: []string{"entry"}, Usage: "signature of the method to run (defaults to the first method)"},
			&cli.BoolFlag{Name: "catch-blocks", Aliases: []string{"e"}, Usage: "print the parsed catch-block table and exit"},
			&cli.BoolFlag{Name: "methods", Aliases: []string{"m"}, Usage: "print the sorted list of method signatures and exit"},
			&cli.BoolFlag{Name: "trace", Usage: "log every dispatched instruction"},
		},
		Action: func(c *cli.Context) error {
			return run(c, log)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("smaliemu failed")
	}
}

func run(c *cli.Context, log zerolog.Logger) error {
	path := c.String("input")

	src, err := smali.LoadSourceFile(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("reading %s: %v", path, err), 1)
	}

	prog, err := smali.Parse(src)
	if err != nil {
		return cli.Exit(fmt.Sprintf("parsing %s: %v", path, err), 1)
	}

	if c.Bool("methods") {
		for _, sig := range prog.MethodSignatures() {
			fmt.Println(sig)
		}
		return nil
	}

	if c.Bool("catch-blocks") {
		printCatchBlocks(prog)
		return nil
	}

	if sig := c.String("method"); sig != "" {
		if err := prog.SelectEntry(sig); err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	vm := smali.NewVM(prog.Entry.Params, nil, nil)
	ex := smali.NewExecutor(prog, vm)
	if c.Bool("trace") {
		ex = ex.WithLogger(log.Level(zerolog.TraceLevel))
	}

	if err := ex.Run(); err != nil {
		return cli.Exit(fmt.Sprintf("running %s: %v", path, err), 2)
	}

	if v, ok := vm.ReturnValue(); ok {
		fmt.Println(v.String())
	} else {
		fmt.Println("<void>")
	}
	return nil
}

func printCatchBlocks(prog *smali.Program) {
	blocks := prog.CatchBlocks()
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].StartLine < blocks[j].StartLine })
	for _, cb := range blocks {
		kind := cb.ExceptionType
		if cb.CatchAll {
			kind = "<any>"
		}
		fmt.Printf("[%d..%d] %s -> %s\n", cb.StartLine, cb.EndLine, kind, cb.HandlerLabel)
	}
}
