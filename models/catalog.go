package models

import "time"

// Category is a top-level product line.
type Category struct {
	ID   int
	Name string
}

// AttributeDataType enumerates the value kinds of an attribute.
type AttributeDataType string

const (
	DataTypeText    AttributeDataType = "text"
	DataTypeInt     AttributeDataType = "int"
	DataTypeDecimal AttributeDataType = "decimal"
	DataTypeBool    AttributeDataType = "bool"
	DataTypeEnum    AttributeDataType = "enum"
)

// Attribute is a named product dimension such as model or storage.
type Attribute struct {
	ID       int
	Code     string
	Label    string
	DataType AttributeDataType
	Unit     string
}

// AttributeOption is one allowed value of an enum attribute.
type AttributeOption struct {
	ID          int
	AttributeID int
	Value       string
}

// SKU is a canonical product variant: a category plus an exact attribute set.
type SKU struct {
	ID          int64
	CategoryID  int
	Fingerprint string
	// SpecPairs are the sorted "code:value" pairs the fingerprint was built from.
	SpecPairs []string
	CreatedAt time.Time
}

// Region is a neighborhood with its parents' names.
type Region struct {
	ID           int64
	Province     string
	District     string
	Neighborhood string
}

// Names returns the region's administrative names.
func (r Region) Names() RegionNames {
	return RegionNames{Province: r.Province, District: r.District, Neighborhood: r.Neighborhood}
}
