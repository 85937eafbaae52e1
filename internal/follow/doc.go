// Package follow runs shard-follow tasks: one task per follower shard that
// replicates operations from a leader shard on a remote cluster and keeps the
// follower index's mapping, settings and aliases in step with the leader.
//
// The Executor implements the hooks a task host calls (validate, assignment,
// create, node operation). A Task owns the follow relationship: its params,
// replication cursor, retention lease renewer and metadata reconciler. The
// replication engine itself sits behind the Loop interface and drives the
// task through Handlers.
package follow
