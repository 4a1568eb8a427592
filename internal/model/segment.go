package model

import "time"

type RuleField string

const (
	FieldTotalSpent       RuleField = "totalSpent"
	FieldTotalOrders      RuleField = "totalOrders"
	FieldLastPurchaseDate RuleField = "lastPurchaseDate"
	FieldCustomerSegment  RuleField = "customerSegment"
)

type RuleOperator string

const (
	OpGreater        RuleOperator = ">"
	OpLess           RuleOperator = "<"
	OpGreaterOrEqual RuleOperator = ">="
	OpLessOrEqual    RuleOperator = "<="
	OpEqual          RuleOperator = "=="
	OpNotEqual       RuleOperator = "!="
	OpBetween        RuleOperator = "between"
)

type Conjunction string

const (
	ConjunctionAnd Conjunction = "AND"
	ConjunctionOr  Conjunction = "OR"
)

// Rule is one membership test: customer[Field] compared to Value with
// Operator. Conjunction joins the rule to the rules preceding it; the first
// rule's conjunction is ignored.
type Rule struct {
	Field       RuleField    `json:"field"`
	Operator    RuleOperator `json:"operator"`
	Value       any          `json:"value"`
	Conjunction Conjunction  `json:"conjunction,omitempty"`
}

// Segment is a named, reusable rule set defining an audience.
type Segment struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	Rules       []Rule    `json:"rules"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}
