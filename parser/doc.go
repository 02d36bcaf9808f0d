// Package parser turns blueprint text into a document.Document.
//
// Three forms are accepted: a Markdown document with one fenced yaml block per
// task, and the structured form in YAML or JSON. Parsing is total but not
// validating; semantic checks belong to package validator. Block-level
// problems are collected into ParseErrors so an author sees every problem in
// one pass.
package parser
