package document

import (
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/cloudkit/errors"
)

// RegisterSchema attaches a JSON schema to a collection. Every write to the collection is
// validated against it. An empty schema removes the validation.
func (f *Facade) RegisterSchema(collection string, schema []byte) error {
	if err := validateCollection("register-schema", collection); err != nil {
		return err
	}

	f.schemaMu.Lock()
	defer f.schemaMu.Unlock()

	if len(schema) == 0 {
		delete(f.schemas, collection)
		return nil
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return errors.NewDocumentError(errors.CodeInvalidArgument, "register-schema", collection,
			fmt.Sprintf("invalid schema for collection %s: %v", collection, err), err)
	}
	f.schemas[collection] = compiled
	return nil
}

// LoadSchemas registers schemas from files keyed by collection name
func (f *Facade) LoadSchemas(files map[string]string) error {
	for collection, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return errors.WrapInvalid(err, "documents", "LoadSchemas", "read schema "+file)
		}
		if err := f.RegisterSchema(collection, data); err != nil {
			return err
		}
		f.logger.Info("Registered document schema", "collection", collection, "file", file)
	}
	return nil
}

func (f *Facade) validate(collection, operation, path string, data []byte) error {
	f.schemaMu.RLock()
	schema := f.schemas[collection]
	f.schemaMu.RUnlock()

	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.NewDocumentError(errors.CodeInvalidArgument, operation, path,
			fmt.Sprintf("document %s is not valid JSON: %v", path, err), err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return errors.NewDocumentError(errors.CodeInvalidArgument, operation, path,
		fmt.Sprintf("document %s failed schema validation: %s", path, strings.Join(problems, "; ")),
		errors.ErrInvalidData)
}
