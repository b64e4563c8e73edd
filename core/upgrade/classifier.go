package upgrade

import "github.com/asaidimu/go-kvschema/core/schema"

// Classify decides what moving from ori to newSchema requires.
//
// An invalid newSchema means the caller asked for no schema, which never forces a
// change. An invalid ori with a valid newSchema turns a plain store into a schema
// store: every value is rewritten and every index of newSchema is built.
func Classify(ori, newSchema *schema.Object) (schema.ComparisonResult, schema.IndexDifference, error) {
	if !newSchema.IsValid() {
		return schema.EqualExactly, schema.NewIndexDifference(), nil
	}
	if !ori.IsValid() {
		diff := schema.NewIndexDifference()
		for name, info := range newSchema.Indexes() {
			diff.Increase[name] = info
		}
		return schema.UnequalCompatibleUpgrade, diff, nil
	}
	return ori.CompareAgainst(newSchema)
}
