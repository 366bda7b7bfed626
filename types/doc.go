// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types holds the data model shared across the router's packages:
Model/TaskType/AgentType/RouteDecision (router.go), the structured Error
taxonomy (error.go), and the wire-agnostic Role enum (message.go). It
depends on nothing else in the module, so every other package may import
it without risk of a cycle.
*/
package types
