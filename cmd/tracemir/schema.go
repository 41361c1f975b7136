package main

import _ "embed"

// defaultSchemaXML is the built-in schema document handed to the store at
// trace creation. A site can substitute its own via the schema_file setting.
//
//go:embed schema.xml
var defaultSchemaXML string
