package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adamancini/spool/internal/registry"
)

const descriptionWidth = 60

func (a *app) newSearchCmd() *cobra.Command {
	var (
		kind   string
		facets []string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "search [query...]",
		Short: "Search the registry for projects",
		Long: `Search lists registry projects matching the query. Without --facet the
search is limited to Fabric projects. Each --facet is an OR group of
comma-separated facets; groups are ANDed.

Examples:
  spool search sodium
  spool search --kind shader
  spool search --facet categories:fabric --facet versions:1.20.1 map`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sq := registry.SearchQuery{
				Query:  strings.Join(args, " "),
				Limit:  limit,
				Offset: offset,
			}
			for _, f := range facets {
				sq.Facets = append(sq.Facets, splitFacetGroup(f))
			}
			if kind != "" {
				k, err := a.kind(kind)
				if err != nil {
					return err
				}
				if sq.Facets == nil {
					sq.Facets = append(sq.Facets, registry.DefaultFacets...)
				}
				sq.Facets = append(sq.Facets, []string{"project_type:" + k.ProjectType()})
			}

			res, err := a.registry().Search(cmd.Context(), sq)
			if err != nil {
				return err
			}

			if a.out.Structured() {
				return a.out.Write(res)
			}

			out := cmd.OutOrStdout()
			if len(res.Hits) == 0 {
				fmt.Fprintln(out, "No projects found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTitle\tType\tDownloads\tDescription")
			for _, h := range res.Hits {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					h.ProjectID, h.Title, h.ProjectType, h.Downloads, truncate(h.Description, descriptionWidth))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if shown := res.Offset + len(res.Hits); shown < res.TotalHits {
				fmt.Fprintf(out, "\nShowing %d-%d of %d (use --offset for more)\n", res.Offset+1, shown, res.TotalHits)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Only projects of this kind")
	cmd.Flags().StringArrayVar(&facets, "facet", nil, "Facet group, comma separated (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", registry.DefaultSearchLimit, "Maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of results to skip")

	return cmd
}

func splitFacetGroup(s string) []string {
	var group []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			group = append(group, f)
		}
	}
	return group
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func (a *app) newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <project-id>",
		Short: "Show registry metadata for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.registry().Project(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.out.Structured() {
				return a.out.Write(p)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s (%s)\n", p.Title, p.ID)
			if p.Slug != "" {
				fmt.Fprintf(w, "Slug: %s\n", p.Slug)
			}
			fmt.Fprintf(w, "Type: %s\n", p.ProjectType)
			if p.Description != "" {
				fmt.Fprintf(w, "\n%s\n", p.Description)
			}
			return nil
		},
	}
}
