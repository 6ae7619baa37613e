// Package securedm implements the core of an end-to-end encrypted direct
// messaging feature: per-device key management, the encrypt/decrypt
// pipeline, versioned conversation keys, and the synchronization engine
// that keeps a local message timeline consistent under concurrent inserts,
// edits, deletes, and network interruption.
//
// Authentication, transport connection establishment, and the relational
// storage engine are external collaborators consumed through interfaces;
// this package is a library wired underneath a UI layer.
//
// Example:
//
//	opts := securedm.NewOptions()
//	opts.DataDir = "/home/alice/.dm"
//	opts.VaultPassword = []byte(passphrase)
//
//	m, err := securedm.New("alice", "alice-laptop", deps, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	if _, err := m.SendMessage(ctx, "bob", "hello"); err != nil {
//	    log.Fatal(err)
//	}
//
//	engine, err := m.OpenConversation(ctx, "bob", func(snap timeline.Snapshot) {
//	    render(snap)
//	})
package securedm
