// Package server provides the orchestrator's REST control plane.
package server
