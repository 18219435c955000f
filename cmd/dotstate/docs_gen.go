package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotstate/pkg/config"
	"github.com/dotsetgreg/dotstate/pkg/sqlstore"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)

	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate CLI, config and storage reference docs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// docSet maps a slash-separated path under the docs root to its content.
type docSet map[string][]byte

// generatedDirs are owned entirely by the generator: files in them that the
// generator no longer produces are stale.
var generatedDirs = []string{"reference/cli", "reference/man"}

func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	docs, err := renderDocs(rootFactory())
	if err != nil {
		return err
	}
	if checkOnly {
		return docs.check(outputDir)
	}
	return docs.write(outputDir)
}

// renderDocs renders every reference page in memory.
func renderDocs(root *cobra.Command) (docSet, error) {
	docs := docSet{}
	var walkErr error
	visitDocCommands(root, func(cmd *cobra.Command) {
		if walkErr != nil {
			return
		}
		base := strings.ReplaceAll(cmd.CommandPath(), " ", "_")
		var md bytes.Buffer
		fmt.Fprintf(&md, "# %s\n\n", cmd.CommandPath())
		if err := cobraDoc.GenMarkdownCustom(cmd, &md, func(name string) string { return name }); err != nil {
			walkErr = fmt.Errorf("render %s markdown: %w", cmd.CommandPath(), err)
			return
		}
		docs["reference/cli/"+base+".md"] = md.Bytes()

		var man bytes.Buffer
		header := cobraDoc.GenManHeader{Section: "1", Source: appName}
		if err := cobraDoc.GenMan(cmd, &header, &man); err != nil {
			walkErr = fmt.Errorf("render %s man page: %w", cmd.CommandPath(), err)
			return
		}
		docs["reference/man/"+strings.ReplaceAll(cmd.CommandPath(), " ", "-")+".1"] = man.Bytes()
	})
	if walkErr != nil {
		return nil, walkErr
	}

	configRef, err := buildConfigReferenceMarkdown()
	if err != nil {
		return nil, err
	}
	docs["reference/config.md"] = []byte(configRef)
	docs["reference/storage.md"] = []byte(buildStorageReferenceMarkdown())
	return docs, nil
}

// visitDocCommands calls fn for cmd and every visible subcommand. The
// generated-on footer is disabled so --check does not fail every day.
func visitDocCommands(cmd *cobra.Command, fn func(*cobra.Command)) {
	cmd.DisableAutoGenTag = true
	fn(cmd)
	for _, child := range cmd.Commands() {
		if !child.IsAvailableCommand() || child.IsAdditionalHelpTopicCommand() {
			continue
		}
		visitDocCommands(child, fn)
	}
}

func (d docSet) paths() []string {
	out := make([]string, 0, len(d))
	for rel := range d {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// write replaces the generated directories and writes every page.
func (d docSet) write(root string) error {
	for _, dir := range generatedDirs {
		if err := os.RemoveAll(filepath.Join(root, filepath.FromSlash(dir))); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	for _, rel := range d.paths() {
		dst := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, d[rel], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// check fails if any page on disk differs from d, is missing, or is left
// over in a generated directory.
func (d docSet) check(root string) error {
	for _, rel := range d.paths() {
		got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", rel)
		}
		if !bytes.Equal(got, d[rel]) {
			return fmt.Errorf("docs out of date: %s changed; run `dotstate docs generate`", rel)
		}
	}
	for _, dir := range generatedDirs {
		entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dir)))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", dir)
		}
		for _, ent := range entries {
			if _, ok := d[path.Join(dir, ent.Name())]; !ok {
				return fmt.Errorf("docs out of date: stale %s", path.Join(dir, ent.Name()))
			}
		}
	}
	return nil
}

type configFieldRow struct {
	Key     string
	Type    string
	Env     string
	Default string
}

func buildConfigReferenceMarkdown() (string, error) {
	rows, err := configRows(reflect.ValueOf(config.DefaultConfig()).Elem(), "")
	if err != nil {
		return "", err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Keys are the same in JSON and YAML config files. Environment variables override the file.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n", row.Key, row.Type, valueOr(row.Env, "-"), row.Default)
	}
	return b.String(), nil
}

// configRows lists the leaf settings of v with their default values.
func configRows(v reflect.Value, prefix string) ([]configFieldRow, error) {
	var rows []configFieldRow
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			nested, err := configRows(v.Field(i), key)
			if err != nil {
				return nil, err
			}
			rows = append(rows, nested...)
			continue
		}
		def, err := json.Marshal(v.Field(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("config default %s: %w", key, err)
		}
		rows = append(rows, configFieldRow{Key: key, Type: f.Type.Kind().String(), Env: f.Tag.Get("env"), Default: string(def)})
	}
	return rows, nil
}

// buildStorageReferenceMarkdown documents which modules the sqlite backend
// stores in normalized tables.
func buildStorageReferenceMarkdown() string {
	var b strings.Builder
	b.WriteString("# Storage Reference\n\n")
	b.WriteString("Modules not listed here are stored as a single JSON blob in `module_blobs`.\n\n")
	b.WriteString("| Module | Collection | Tables | Columns | Full-text |\n")
	b.WriteString("| --- | --- | --- | --- | --- |\n")
	for _, name := range sqlstore.NormalizedModules() {
		m, _ := sqlstore.MappingFor(name)
		cols := make([]string, 0, len(m.Columns))
		for _, c := range m.Columns {
			cols = append(cols, c.Name)
		}
		if m.Child != nil {
			for _, c := range m.Child.Columns {
				cols = append(cols, m.Child.Table+"."+c.Name)
			}
		}
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | %s | %s |\n",
			m.Module, m.Collection, strings.Join(m.Tables(), "`, `"), strings.Join(cols, ", "), valueOr(m.FTSColumn, "-"))
	}
	return b.String()
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
