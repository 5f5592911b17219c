// Package sync connects a replicated document to other devices.
//
// The topology per shared account is a star: the account's creator hosts
// a rendezvous id derived from the account and its own device id; every
// other device joins by dialing that id. Joiners never talk to each
// other; the host relays. Relay falls out of origin tagging: each
// session applies inbound updates tagged with its own identity and
// forwards every document change tagged with anyone else's, so an update
// from one joiner fans out through the host to the rest, and nothing is
// ever echoed back to its producer.
//
// Attachments (receipt images) ride the same connections out-of-band
// from the document, as text control messages; see Fetcher.
package sync
