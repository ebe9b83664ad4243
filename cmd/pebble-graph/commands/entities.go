package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marshallshelly/pebble-graph/cmd/pebble-graph/output"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// entitiesCmd lists the declared entities
var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List the declared entities and their relationships",
	Long: `Load the entity declarations and print each entity with its table, identifier,
columns and relationships, as resolved by the registry.

Examples:
  pebble-graph entities --models ./models
  pebble-graph entities --models library.yaml --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEntities()
	},
}

func init() {
	rootCmd.AddCommand(entitiesCmd)
}

type entityDescription struct {
	Name      string   `json:"name"`
	Table     string   `json:"table"`
	ID        []string `json:"id"`
	Generated string   `json:"generated,omitempty"`
	Columns   []string `json:"columns"`
	Relations []string `json:"relations,omitempty"`
}

func runEntities() error {
	reg, err := loadModels()
	if err != nil {
		return err
	}

	var described []entityDescription
	for _, meta := range reg.All() {
		described = append(described, describe(meta))
	}
	if jsonOutput {
		return output.JSON(described)
	}

	output.Section(fmt.Sprintf("%d entities from %s", len(described), modelsPath))
	for _, e := range described {
		fmt.Printf("%s → %s  (id: %s", e.Name, e.Table, strings.Join(e.ID, ", "))
		if e.Generated != "" {
			fmt.Printf(", %s", e.Generated)
		}
		fmt.Println(")")

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, col := range e.Columns {
			_, _ = fmt.Fprintf(w, "    %s\n", col)
		}
		_ = w.Flush()
		for _, rel := range e.Relations {
			output.Muted("    %s", rel)
		}
		fmt.Println()
	}
	return nil
}

func describe(meta *schema.EntityMetadata) entityDescription {
	e := entityDescription{Name: meta.Name, Table: meta.Table, ID: meta.ID.Properties}
	switch meta.ID.Generated {
	case schema.GeneratedByDatabase:
		e.Generated = "generated"
	case schema.GeneratedUUID:
		e.Generated = "uuid"
	}

	for _, col := range meta.Columns {
		kind := col.Kind.String()
		if col.SQLType != "" {
			kind = col.SQLType
		}
		nullability := "not null"
		if col.Nullable {
			nullability = "null"
		}
		e.Columns = append(e.Columns, fmt.Sprintf("%s\t%s\t%s", col.Name, kind, nullability))
	}

	for _, fk := range meta.ForeignKeys {
		rel := fmt.Sprintf("%s → %s via %s (on delete %s", fk.Property, fk.Target.Name, fk.Column, fk.OnForeignDeleted)
		if fk.CascadeDelete {
			rel += ", cascade"
		}
		e.Relations = append(e.Relations, rel+")")
	}
	for _, ft := range meta.ForeignTables {
		arity := "one"
		if ft.Many {
			arity = "many"
		}
		e.Relations = append(e.Relations, fmt.Sprintf("%s ← %s %s.%s", ft.Property, arity, ft.Target.Name, ft.ForeignKey.Property))
	}
	for _, jt := range meta.JoinTables {
		e.Relations = append(e.Relations, fmt.Sprintf("%s ↔ %s through %s", jt.Property, jt.Target.Name, jt.Table))
	}
	return e
}
