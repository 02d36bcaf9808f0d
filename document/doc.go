/*
Package document defines the in-memory model of a blueprint: a set of
interdependent tasks plus document metadata and references to other
documents.

# Core types

  - Document: ordered tasks, metadata, declared tiers and refs
  - Task: one unit of work with dependencies, an interface contract,
    a verification command and a rollback command
  - HumanCheckpoint: a pause point that needs an external acknowledgment
  - Ref: a link to another document, required or optional, inline or external

The model carries no behaviour beyond lookups and small derived views.
Parsing lives in package parser and semantic checks in package validator.
*/
package document
