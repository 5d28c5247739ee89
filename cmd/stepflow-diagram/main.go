// stepflow-diagram renders a workflow definition file as Mermaid, ASCII, PNG
// or SVG.
//
//	stepflow-diagram [-format mermaid|ascii|png|svg] [-o file] definition.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/pkg/schema"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "stepflow-diagram:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stepflow-diagram", flag.ContinueOnError)
	format := fs.String("format", "mermaid", "output format: mermaid, ascii, png or svg")
	out := fs.String("o", "", "write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: stepflow-diagram [-format f] [-o file] definition")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	def, err := schema.ParseDefinition(data)
	if err != nil {
		return err
	}
	model, err := diagram.Build(def, nil)
	if err != nil {
		return err
	}

	var rendered []byte
	switch *format {
	case "mermaid":
		rendered = []byte(diagram.RenderMermaid(model))
	case "ascii":
		rendered = []byte(diagram.RenderASCII(model))
	case diagram.FormatPNG, diagram.FormatSVG:
		if *format == diagram.FormatPNG && *out == "" {
			return errors.New("png output needs -o")
		}
		rendered, err = diagram.RenderImage(context.Background(), model, *format)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q", *format)
	}

	if *out != "" {
		return os.WriteFile(*out, rendered, 0o644)
	}
	_, err = stdout.Write(rendered)
	return err
}
