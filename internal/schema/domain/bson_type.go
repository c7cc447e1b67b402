package domain

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var bsonTypeAliases = map[string]bson.Type{
	"double":              bson.TypeDouble,
	"string":              bson.TypeString,
	"object":              bson.TypeEmbeddedDocument,
	"array":               bson.TypeArray,
	"binData":             bson.TypeBinary,
	"objectId":            bson.TypeObjectID,
	"bool":                bson.TypeBoolean,
	"date":                bson.TypeDateTime,
	"regex":               bson.TypeRegex,
	"dbPointer":           bson.TypeDBPointer,
	"javascript":          bson.TypeJavaScript,
	"symbol":              bson.TypeSymbol,
	"javascriptWithScope": bson.TypeCodeWithScope,
	"int":                 bson.TypeInt32,
	"timestamp":           bson.TypeTimestamp,
	"long":                bson.TypeInt64,
	"decimal":             bson.TypeDecimal128,
}

// ParseBSONType maps a $jsonSchema bsonType alias ("string", "int", "date", ...) to its type.
func ParseBSONType(alias string) (bson.Type, error) {
	t, ok := bsonTypeAliases[alias]
	if !ok {
		return 0, fmt.Errorf("%w: unknown bsonType %q", ErrInvalidSchema, alias)
	}
	return t, nil
}
