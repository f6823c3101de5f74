// Package model provides the data side of the keel management kernel.
//
// # Values
//
// Value is an immutable tagged variant holding a string, integer, boolean, object,
// list or an unresolved expression. Objects keep insertion order for rendering but
// compare order-insensitively.
//
//	v := model.EmptyObject().
//	    With("port", model.Int(8080)).
//	    With("interface", model.Expression("${keel.bind.address:public}"))
//
// Expressions are resolved against a PropertyResolver before they are used
// operationally:
//
//	resolved, err := v.Resolve(model.Properties{"keel.bind.address": "management"})
//
// # Addresses and Operations
//
// An Address is an ordered list of key=value elements such as
// /subsystem=threads/queueless-thread-pool=p1. A pattern address may use "*" as a value
// to match any name of a resource type.
//
// An Operation is an immutable {name, address, parameters} triple. Its JSON envelope is
//
//	{"operation": "add", "address": [{"socket-binding": "http"}], "port": 8080}
//
// with expressions written as {"$expr": "${...}"}.
//
// # Resource Tree
//
// Tree is an arena of attribute bags keyed by canonical address. It is only mutated
// through a SubModel, the address-scoped write gateway that the dispatcher hands to
// operation handlers. Snapshot copies the whole tree for comparison.
//
// # Descriptions
//
// ResourceDescription, AttributeDescription and OperationDescription describe the
// schema. They never hold data.
package model
