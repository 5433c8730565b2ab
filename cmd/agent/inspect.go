package main

import (
	"fmt"
	"net/http"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/mapcamera-watch/detail"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	var markdown bool

	cmd := &cobra.Command{
		Use:   "inspect URL",
		Short: "Fetch one item page and print the description the enricher would post",
		Example: `  mapcamera-watch inspect "https://www.mapcamera.com/item/4549292075748?condition=7"
  mapcamera-watch inspect --markdown "https://www.mapcamera.com/item/4549292075748?condition=7"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			enricher := detail.New(&http.Client{Timeout: cfg.DetailTimeout}, cfg, nil, nil)
			doc, err := enricher.Fetch(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("fetch %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, detail.Describe(doc, enricher.Selectors()))

			if !markdown {
				return nil
			}
			section := doc.Find(enricher.Selectors().Section).First()
			if section.Length() == 0 {
				return fmt.Errorf("detail section %q not found", enricher.Selectors().Section)
			}
			html, err := section.Html()
			if err != nil {
				return fmt.Errorf("render section: %w", err)
			}
			converter := md.NewConverter("", true, nil)
			text, err := converter.ConvertString(html)
			if err != nil {
				return fmt.Errorf("convert section to markdown: %w", err)
			}
			fmt.Fprintln(out, "\n---")
			fmt.Fprintln(out, strings.TrimSpace(text))
			return nil
		},
	}

	cmd.Flags().BoolVar(&markdown, "markdown", false, "Also print the whole detail section as markdown")
	return cmd
}
