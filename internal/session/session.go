// Package session records live participant sessions in Redis so any server
// instance can tell whether a participant currently holds a socket anywhere in
// the cluster.
package session
