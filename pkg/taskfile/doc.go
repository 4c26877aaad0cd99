/*
Package taskfile encodes and decodes task cards.

A card is a YAML header between --- fences followed by a markdown body:

	---
	id: 20260311-143022-a1b2c3
	title: Implement retry logic
	status: ready
	priority: high
	---

	Free-form markdown describing the work.

The header fields are defined by types.Task. Header keys this version does
not know about are kept in Task.Extra and written back verbatim, so cards
survive round-trips through older and newer builds alike. The body is never
interpreted, only hashed (BodyHash) for cheap change detection.
*/
package taskfile
