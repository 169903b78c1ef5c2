package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/formscan/internal/acquire"
	"github.com/jackzampolin/formscan/internal/imaging"
	"github.com/jackzampolin/formscan/internal/schema"
)

var (
	schemaApp       string
	schemaRegions   string
	schemaBaseForms string
	schemaOut       string
	schemaPages     string
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Author and check application schemas",
	Long: `Author and check application schemas.

Schemas live in {schemas_dir}/{application}.json.

Examples:
  formscan schema list
  formscan schema validate --app loan
  formscan schema build --app loan --regions loan-regions.txt --base-forms base-forms/loan
  formscan schema crop --app loan --pages base-forms/loan --out crops/loan`,
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List applications with a schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		apps, err := schema.NewFileStore(s.Home.SchemasDir(), s.Logger).List()
		if err != nil {
			return err
		}
		return printResult(cmd, apps)
	},
}

// schemaSummary describes one field of a validated schema.
type schemaSummary struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	DataType string `json:"data_type" yaml:"data_type"`
	Regions  int    `json:"regions" yaml:"regions"`
	Pages    []int  `json:"pages" yaml:"pages"`
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that an application's schema loads",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		fields, err := s.Schemas.Load(cmd.Context(), schemaApp)
		if err != nil {
			return err
		}
		summary := make([]schemaSummary, len(fields))
		for i, f := range fields {
			summary[i] = schemaSummary{
				Name:     f.Name,
				Type:     string(f.Type()),
				DataType: f.DataType,
				Regions:  len(f.Regions()),
				Pages:    f.Pages(),
			}
		}
		return printResult(cmd, summary)
	},
}

var schemaBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a schema from a region spec and blank form pages",
	Long: `Build a schema from a region spec file.

Checkbox baselines are measured on the blank form pages in --base-forms,
named {page}.{ext}. The schema is written to --out, or to the schemas
directory when --out is empty.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()

		f, err := os.Open(schemaRegions)
		if err != nil {
			return fmt.Errorf("failed to open region spec: %w", err)
		}
		spec, err := schema.ParseRegionSpec(f)
		f.Close()
		if err != nil {
			return err
		}

		pages := pagesInDir(schemaBaseForms)
		fields, err := schema.Build(ctx, spec, func(ctx context.Context, page int, rect imaging.Rectangle) (float64, error) {
			return s.Sampler.AverageBrightness(ctx, pages(page), rect)
		})
		if err != nil {
			return err
		}
		data, err := schema.ToDocument(fields).Marshal()
		if err != nil {
			return err
		}

		dir := schemaOut
		if dir == "" {
			dir = s.Home.SchemasDir()
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		path := filepath.Join(dir, schemaApp+".json")
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write schema: %w", err)
		}
		s.Schemas.Invalidate(schemaApp)
		s.Logger.Info("schema written", "application", schemaApp, "path", path, "fields", len(fields))
		return nil
	},
}

var schemaCropCmd = &cobra.Command{
	Use:   "crop",
	Short: "Save every schema region as an image",
	Long: `Crop every region of an application's schema out of the pages in --pages,
named {page}.{ext}, and write them to {out}/{TYPE}/{name}_{index}.png.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()

		fields, err := s.Schemas.Load(ctx, schemaApp)
		if err != nil {
			return err
		}
		n, err := schema.CropRegions(ctx, fields, pagesInDir(schemaPages), s.Images, schemaOut)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d region images to %s\n", n, schemaOut)
		return nil
	},
}

// pagesInDir resolves page n to the first {dir}/{n}.{ext} that exists.
func pagesInDir(dir string) func(page int) string {
	return func(page int) string {
		base := filepath.Join(dir, strconv.Itoa(page))
		for _, ext := range acquire.Extensions {
			p := base + "." + string(ext)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
		return base + "." + string(acquire.DefaultExtension)
	}
}

func init() {
	schemaCmd.PersistentFlags().StringVar(&schemaApp, "app", "", "application name")

	schemaBuildCmd.Flags().StringVar(&schemaRegions, "regions", "", "region spec file")
	schemaBuildCmd.Flags().StringVar(&schemaBaseForms, "base-forms", "", "directory of blank form pages")
	schemaBuildCmd.Flags().StringVar(&schemaOut, "out", "", "output directory (default: schemas dir)")
	_ = schemaBuildCmd.MarkFlagRequired("regions")
	_ = schemaBuildCmd.MarkFlagRequired("base-forms")

	schemaCropCmd.Flags().StringVar(&schemaPages, "pages", "", "directory of page images")
	schemaCropCmd.Flags().StringVar(&schemaOut, "out", "", "output directory")
	_ = schemaCropCmd.MarkFlagRequired("pages")
	_ = schemaCropCmd.MarkFlagRequired("out")

	schemaCmd.AddCommand(schemaListCmd, schemaValidateCmd, schemaBuildCmd, schemaCropCmd)
}
