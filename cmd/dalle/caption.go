package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/Gertie01/dalle-mini/internal/caption"
)

func captionCmd() *cli.Command {
	var title, description string
	return &cli.Command{
		Name:  "caption",
		Usage: "Print the caption built from a title and description",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "title",
				Aliases:     []string{"t"},
				Usage:       "cleaned title",
				Destination: &title,
			},
			&cli.StringFlag{
				Name:        "description",
				Aliases:     []string{"d"},
				Usage:       "cleaned description",
				Destination: &description,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, err := fmt.Fprintln(cmd.Root().Writer, caption.Build(title, description))
			return err
		},
	}
}
