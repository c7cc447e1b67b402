package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	schemaDomain "github.com/allisson/autoencrypt/internal/schema/domain"
)

func TestMarked_Substitute(t *testing.T) {
	ssn := &Mark{Path: "ssn", Value: "123"}
	tag := &Mark{Path: "tags", Value: "a"}
	marked := &Marked{Command: bson.D{
		{Key: "insert", Value: "coll"},
		{Key: "documents", Value: bson.A{
			bson.D{{Key: "name", Value: "x"}, {Key: "ssn", Value: ssn}, {Key: "tags", Value: bson.A{tag}}},
		}},
	}, Marks: []*Mark{ssn, tag}}

	_, err := marked.Substitute()
	require.ErrorIs(t, err, ErrUnencryptedMark)

	ssn.Ciphertext = &bson.Binary{Subtype: 6, Data: []byte{1}}
	tag.Ciphertext = &bson.Binary{Subtype: 6, Data: []byte{2}}

	out, err := marked.Substitute()
	require.NoError(t, err)

	want := bson.D{
		{Key: "insert", Value: "coll"},
		{Key: "documents", Value: bson.A{
			bson.D{
				{Key: "name", Value: "x"},
				{Key: "ssn", Value: bson.Binary{Subtype: 6, Data: []byte{1}}},
				{Key: "tags", Value: bson.A{bson.Binary{Subtype: 6, Data: []byte{2}}}},
			},
		}},
	}
	assert.Equal(t, want, out)

	_, stillMark := marked.Command[1].Value.(bson.A)[0].(bson.D)[1].Value.(*Mark)
	assert.True(t, stillMark, "Substitute must not modify the marked command")
}

func TestMarked_KeyRefs(t *testing.T) {
	a := keyvaultDomain.KeyRefByAltName("a")
	b := keyvaultDomain.KeyRefByAltName("b")
	marked := &Marked{Marks: []*Mark{
		{Rule: schemaDomain.FieldRule{KeyRef: a}},
		{Rule: schemaDomain.FieldRule{KeyRef: b}},
		{Rule: schemaDomain.FieldRule{KeyRef: a}},
	}}

	assert.Equal(t, []keyvaultDomain.KeyRef{a, b}, marked.KeyRefs())
}
