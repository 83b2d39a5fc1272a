// Package server implements the HTTP server and handlers of the
// segmentation service: uploading volumes into a job workspace, running
// inference over them, downloading the results, and the job, run history,
// model, health and metrics endpoints around that workflow.
package server
