// Package storage persists posts, platform credentials and the publish attempt journal.
//
// The dispatcher reads due posts and credentials and writes only the publish
// state of a post (status, posted flag, external ids). Post authoring and
// credential acquisition live outside this process and write through the
// same tables.
package storage
