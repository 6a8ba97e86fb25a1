// Package bmierr defines the structured error taxonomy shared by every BMI
// component: a small set of Kinds grouped by owning subsystem, each carrying
// a fixed HTTP-ish status code, plus the boundary-only storage-name rewrite.
package bmierr

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies the specific failure within a subsystem. The subsystem
// prefix (before the first underscore) is what FromBlockLayer keys off of;
// the Is* predicates compare against explicit lists of kinds.
type Kind string

const (
	CatalogNotFound       Kind = "CATALOG_NOT_FOUND"
	CatalogUniqueViolation Kind = "CATALOG_UNIQUE_VIOLATION"
	CatalogFKViolation     Kind = "CATALOG_FK_VIOLATION"
	CatalogEngineError     Kind = "CATALOG_ENGINE_ERROR"

	BlockImageNotFound      Kind = "BLOCK_IMAGE_NOT_FOUND"
	BlockImageExists        Kind = "BLOCK_IMAGE_EXISTS"
	BlockImageBusy          Kind = "BLOCK_IMAGE_BUSY"
	BlockImageHasSnapshots  Kind = "BLOCK_IMAGE_HAS_SNAPSHOTS"
	BlockFunctionUnsupported Kind = "BLOCK_FUNCTION_UNSUPPORTED"
	BlockArgOutOfRange      Kind = "BLOCK_ARG_OUT_OF_RANGE"
	BlockConfigMissing      Kind = "BLOCK_CONFIG_MISSING"
	BlockConfigInvalid      Kind = "BLOCK_CONFIG_INVALID"

	IscsiNodeInUse          Kind = "ISCSI_NODE_IN_USE"
	IscsiNodeAlreadyUnmapped Kind = "ISCSI_NODE_ALREADY_UNMAPPED"
	IscsiToolError          Kind = "ISCSI_TOOL_ERROR"

	FabricUnauthorized Kind = "FABRIC_UNAUTHORIZED"
	FabricNotFound     Kind = "FABRIC_NOT_FOUND"
	FabricTransient    Kind = "FABRIC_TRANSIENT"
	FabricProtocol     Kind = "FABRIC_PROTOCOL"

	BootTemplateMissing Kind = "BOOT_TEMPLATE_MISSING"
	BootIOError         Kind = "BOOT_IO_ERROR"

	OrchCancelled             Kind = "ORCH_CANCELLED"
	OrchCompensationIncomplete Kind = "ORCH_COMPENSATION_INCOMPLETE"
)

// statusCodes mirrors §7/§6 of the spec: a fixed numeric code per kind.
var statusCodes = map[Kind]int{
	CatalogNotFound:        404,
	CatalogUniqueViolation: 409,
	CatalogFKViolation:     409,
	CatalogEngineError:     500,

	BlockImageNotFound:       404,
	BlockImageExists:         471,
	BlockImageBusy:           409,
	BlockImageHasSnapshots:   409,
	BlockFunctionUnsupported: 500,
	BlockArgOutOfRange:       400,
	BlockConfigMissing:       500,
	BlockConfigInvalid:       500,

	IscsiNodeInUse:           500,
	IscsiNodeAlreadyUnmapped: 500,
	IscsiToolError:           500,

	FabricUnauthorized: 401,
	FabricNotFound:     404,
	FabricTransient:    503,
	FabricProtocol:     500,

	BootTemplateMissing: 500,
	BootIOError:         500,

	OrchCancelled:              499,
	OrchCompensationIncomplete: 500,
}

// Error is the single concrete error type every BMI component returns.
// It wraps an underlying cause (possibly nil) and is comparable by Kind
// via errors.Is/errors.As.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Cause matches the moby errdefs "causal" convention exercised by its test
// suite (errCause.Cause()), kept alongside Unwrap for callers that still
// type-assert rather than use errors.As.
func (e *Error) Cause() error { return e.cause }

// Is lets errors.Is(err, SomeKindSentinel) work; we don't define sentinels
// per kind here, callers compare Kind directly via KindOf, but Is still
// supports matching two *Error values with the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// StatusCode returns the fixed numeric status for the error's kind, or 500
// if err is not a *bmierr.Error (an unanticipated internal error).
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if code, ok := statusCodes[e.Kind]; ok {
			return code
		}
	}
	return 500
}

// KindOf extracts the Kind from err, the zero Kind if err isn't ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func hasPrefix(k Kind, prefix string) bool {
	return strings.HasPrefix(string(k), prefix)
}

// FromBlockLayer reports whether err originated in the BlockStore (C2)
// component. Only block-layer errors carry storage-name tokens worth
// rewriting at the boundary (Design Notes §9: "the boundary rewrite only
// needs the discriminant 'is from block layer'").
func FromBlockLayer(err error) bool {
	return hasPrefix(KindOf(err), "BLOCK_")
}

func IsNotFound(err error) bool {
	k := KindOf(err)
	return k == CatalogNotFound || k == BlockImageNotFound || k == FabricNotFound
}

func IsConflict(err error) bool {
	k := KindOf(err)
	return k == CatalogUniqueViolation || k == CatalogFKViolation ||
		k == BlockImageExists || k == BlockImageBusy || k == BlockImageHasSnapshots
}

func IsUnauthorized(err error) bool {
	return KindOf(err) == FabricUnauthorized
}

func IsTransient(err error) bool {
	return KindOf(err) == FabricTransient
}

func IsCancelled(err error) bool {
	return KindOf(err) == OrchCancelled
}

// storageTokenPattern matches "img" followed by one or more digits as a
// whole word (bounded by non-word characters such as whitespace, ':' or
// '/'), e.g. "img42" inside an error message such as "img42 not found".
var storageTokenPattern = regexp.MustCompile(`\bimg[0-9]+\b`)

// NameResolver looks up the user-visible image name for a catalog id. It
// returns ("", false) when the id isn't known, in which case the token is
// left untouched.
type NameResolver interface {
	ImageNameByID(id int64) (string, bool)
}

// RewriteStorageNames substitutes every "img<id>" token in msg with the
// image's user-visible catalog name, leaving unresolvable tokens and all
// other text unchanged. It is idempotent: once a token is rewritten to a
// name that doesn't itself match the img<digits> pattern, a second pass
// is a no-op.
func RewriteStorageNames(msg string, resolver NameResolver) string {
	return storageTokenPattern.ReplaceAllStringFunc(msg, func(tok string) string {
		idStr := tok[3:]
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return tok
		}
		name, ok := resolver.ImageNameByID(id)
		if !ok {
			return tok
		}
		return name
	})
}
