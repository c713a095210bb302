// Package filter provides predicates that decide whether an exchange is
// routed onward.
//
// Predicates read the exchange and its request message and never modify
// them, so one predicate can be shared by every worker. Content predicates
// look into JSON payloads with gjson paths and into XML payloads with etree
// paths; a payload that does not parse simply does not match.
//
//	p := filter.And(
//	    filter.PatternIs(contracts.OneWay, contracts.RobustOneWay),
//	    filter.JSONPath("order.priority", "high"),
//	)
//
// Build creates predicates from configuration:
//
//	p, err := filter.Build(filter.Spec{Kind: "xml", Path: "//Order/Status", Value: "open"})
package filter
