// Package protocol carries management operations over a byte stream as
// newline-delimited JSON.
//
// The server writes a Ready line first, then one Response per Request, in
// completion order:
//
//	<- {"ready":{"server":"edge-1","version":"dev","pid":4242}}
//	-> {"id":"1","request":{"operation":"add","address":[{"system-property":"a"}],"value":"b"}}
//	<- {"id":"1","outcome":"success","result":null,"compensating":{"operation":"remove",...}}
//
// A request with a cancel field asks the server to cancel the named in-flight
// request; it gets no response of its own. The protocol runs over stdio for a
// local kernel and over an SSH session for a remote one.
package protocol
