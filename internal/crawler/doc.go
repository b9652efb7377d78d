// Package crawler holds the domain model of the bylaw crawler: targets,
// documents, job results, the collaborator interfaces (finders, output sinks,
// stores), and the error taxonomy every other package reports against.
package crawler
