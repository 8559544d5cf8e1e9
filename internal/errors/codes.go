package errors

// Stable error codes. Codes are part of the log contract: dashboards and
// alerts key on them, so do not renumber.
const (
	// Validation
	CodeInvalidInput    = "ERR_100_INVALID_INPUT"
	CodeMissingFilename = "ERR_101_MISSING_FILENAME"
	CodeInvalidID       = "ERR_102_INVALID_ID"

	// Not found
	CodeNotFound         = "ERR_200_NOT_FOUND"
	CodeDocumentNotFound = "ERR_201_DOCUMENT_NOT_FOUND"
	CodeNoRelevantChunks = "ERR_202_NO_RELEVANT_CHUNKS"

	// External failures
	CodeExternalFailure = "ERR_300_EXTERNAL_FAILURE"
	CodeBlobStore       = "ERR_301_BLOB_STORE"
	CodeLexicalIndex    = "ERR_302_LEXICAL_INDEX"
	CodeMetadataStore   = "ERR_303_METADATA_STORE"
	CodeVectorIndex     = "ERR_304_VECTOR_INDEX"
	CodeEmbedder        = "ERR_305_EMBEDDER"
	CodeGenerator       = "ERR_306_GENERATOR"

	// Data corruption
	CodeDataCorruption = "ERR_400_DATA_CORRUPTION"
	CodeParseFailure   = "ERR_401_PARSE_FAILURE"

	// Internal
	CodeInternal                = "ERR_500_INTERNAL"
	CodeIllegalStatusTransition = "ERR_501_ILLEGAL_STATUS_TRANSITION"
)
