package schema

// Built-in field keys. These map to dedicated columns in the character table;
// other persisted fields round-trip through the custom data blob.
const (
	FieldName    = "name"
	FieldDesc    = "desc"
	FieldFaction = "faction"
	FieldClass   = "class"
	FieldModel   = "model"
	FieldMoney   = "money"
	FieldAttribs = "attribs"
	FieldData    = "data"
)

// RegisterDefaults installs the built-in character schema.
func RegisterDefaults(r *Registry) {
	r.MustRegister(FieldDef{Key: FieldName, Kind: KindString, Default: "John Doe", Persisted: true, Visibility: Public, Mutable: true})
	r.MustRegister(FieldDef{Key: FieldDesc, Kind: KindString, Default: "", Persisted: true, Visibility: Public, Mutable: true})
	r.MustRegister(FieldDef{Key: FieldFaction, Kind: KindString, Default: "citizen", Persisted: true, Visibility: Public, Mutable: true})
	r.MustRegister(FieldDef{Key: FieldClass, Kind: KindString, Default: "", Persisted: true, Visibility: Public, Mutable: true})
	r.MustRegister(FieldDef{Key: FieldModel, Kind: KindString, Default: "", Persisted: true, Visibility: Public, Mutable: true})
	r.MustRegister(FieldDef{Key: FieldMoney, Kind: KindNumber, Default: float64(0), Persisted: true, Visibility: OwnerOnly, Mutable: true})
	r.MustRegister(FieldDef{Key: FieldAttribs, Kind: KindTable, Default: map[string]interface{}{}, Persisted: true, Visibility: OwnerOnly, Mutable: true})
	r.MustRegister(FieldDef{Key: FieldData, Kind: KindTable, Default: map[string]interface{}{}, Persisted: true, Visibility: Private, Mutable: true})
}
