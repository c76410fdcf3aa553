// Command catalog-schema emits the JSON schema for object catalog files and
// can check catalogs against the loader before they are deployed.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"simsync/server/internal/catalog"
)

var errStale = errors.New("schema is out of date")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "catalog-schema: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("catalog-schema", flag.ContinueOnError)
	out := flags.String("out", "catalog.schema.json", "schema file to write or check")
	check := flags.Bool("check", false, "fail if the schema file differs from the generated one")
	validate := flags.String("validate", "", "catalog file to load and summarise")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *validate != "" {
		items, err := catalog.LoadFile(*validate)
		if err != nil {
			return err
		}
		all := items.All()
		purchasable := 0
		for _, item := range all {
			if item.Purchasable() {
				purchasable++
			}
		}
		fmt.Fprintf(stdout, "%s: %d items, %d purchasable\n", *validate, len(all), purchasable)
		return nil
	}

	data, err := render(buildSchema())
	if err != nil {
		return err
	}
	if *check {
		current, err := os.ReadFile(*out)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, data) {
			return fmt.Errorf("%s: %w", *out, errStale)
		}
		return nil
	}
	return replaceFile(*out, data)
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{RequiredFromJSONSchemaTags: true}
	schema := reflector.Reflect(new(catalog.FileDocument))
	schema.Title = "Object Catalog"
	schema.Description = "Items the host and every follower load; both sides must use the same file"
	return schema
}

func render(schema *jsonschema.Schema) ([]byte, error) {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return append(data, '\n'), nil
}

// replaceFile writes through a temp file so readers never see a partial schema.
func replaceFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
