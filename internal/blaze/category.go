package blaze

import "strings"

// Category is the closed set of message categories the core understands.
type Category string

const (
	CategorySignalKey        Category = "SIGNAL_KEY"
	CategorySignalText       Category = "SIGNAL_TEXT"
	CategorySignalImage      Category = "SIGNAL_IMAGE"
	CategorySignalVideo      Category = "SIGNAL_VIDEO"
	CategorySignalAudio      Category = "SIGNAL_AUDIO"
	CategorySignalData       Category = "SIGNAL_DATA"
	CategorySignalSticker    Category = "SIGNAL_STICKER"
	CategorySignalContact    Category = "SIGNAL_CONTACT"
	CategorySignalLocation   Category = "SIGNAL_LOCATION"
	CategorySignalLive       Category = "SIGNAL_LIVE"
	CategorySignalTranscript Category = "SIGNAL_TRANSCRIPT"

	CategoryPlainText       Category = "PLAIN_TEXT"
	CategoryPlainImage      Category = "PLAIN_IMAGE"
	CategoryPlainVideo      Category = "PLAIN_VIDEO"
	CategoryPlainAudio      Category = "PLAIN_AUDIO"
	CategoryPlainData       Category = "PLAIN_DATA"
	CategoryPlainSticker    Category = "PLAIN_STICKER"
	CategoryPlainContact    Category = "PLAIN_CONTACT"
	CategoryPlainLocation   Category = "PLAIN_LOCATION"
	CategoryPlainLive       Category = "PLAIN_LIVE"
	CategoryPlainTranscript Category = "PLAIN_TRANSCRIPT"
	CategoryPlainJSON       Category = "PLAIN_JSON"

	CategorySystemConversation Category = "SYSTEM_CONVERSATION"
	CategorySystemUser         Category = "SYSTEM_USER"
	CategorySystemSession      Category = "SYSTEM_SESSION"
	CategorySystemCircle       Category = "SYSTEM_CIRCLE"
)

var knownCategories = map[Category]struct{}{}

func init() {
	for _, c := range []Category{
		CategorySignalKey, CategorySignalText, CategorySignalImage, CategorySignalVideo,
		CategorySignalAudio, CategorySignalData, CategorySignalSticker, CategorySignalContact,
		CategorySignalLocation, CategorySignalLive, CategorySignalTranscript,
		CategoryPlainText, CategoryPlainImage, CategoryPlainVideo, CategoryPlainAudio,
		CategoryPlainData, CategoryPlainSticker, CategoryPlainContact, CategoryPlainLocation,
		CategoryPlainLive, CategoryPlainTranscript, CategoryPlainJSON,
		CategorySystemConversation, CategorySystemUser, CategorySystemSession, CategorySystemCircle,
	} {
		knownCategories[c] = struct{}{}
	}
}

// Known reports whether c is one of the declared categories.
func (c Category) Known() bool {
	_, ok := knownCategories[c]
	return ok
}

// Class groups categories by how they are processed.
type Class int

const (
	ClassUnknown Class = iota
	ClassSignal
	ClassPlain
	ClassSystem
)

// Class returns the processing class of c.
func (c Category) Class() Class {
	if !c.Known() {
		return ClassUnknown
	}
	switch {
	case strings.HasPrefix(string(c), "SIGNAL_"):
		return ClassSignal
	case strings.HasPrefix(string(c), "PLAIN_"):
		return ClassPlain
	case strings.HasPrefix(string(c), "SYSTEM_"):
		return ClassSystem
	}
	return ClassUnknown
}

// Kind is the content sub-type shared by the signal and plain variants.
type Kind int

const (
	KindNone Kind = iota
	KindText
	KindImage
	KindVideo
	KindAudio
	KindData
	KindSticker
	KindContact
	KindLocation
	KindLive
	KindTranscript
)

// Kind returns the content sub-type, or KindNone for control categories.
func (c Category) Kind() Kind {
	switch c {
	case CategorySignalText, CategoryPlainText:
		return KindText
	case CategorySignalImage, CategoryPlainImage:
		return KindImage
	case CategorySignalVideo, CategoryPlainVideo:
		return KindVideo
	case CategorySignalAudio, CategoryPlainAudio:
		return KindAudio
	case CategorySignalData, CategoryPlainData:
		return KindData
	case CategorySignalSticker, CategoryPlainSticker:
		return KindSticker
	case CategorySignalContact, CategoryPlainContact:
		return KindContact
	case CategorySignalLocation, CategoryPlainLocation:
		return KindLocation
	case CategorySignalLive, CategoryPlainLive:
		return KindLive
	case CategorySignalTranscript, CategoryPlainTranscript:
		return KindTranscript
	}
	return KindNone
}

// IsAttachment reports whether messages of this kind reference a download.
func (k Kind) IsAttachment() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindData:
		return true
	}
	return false
}

// Plain returns the PLAIN_ variant of a SIGNAL_ content category.
func (c Category) Plain() Category {
	if c.Class() != ClassSignal || c == CategorySignalKey {
		return c
	}
	return Category("PLAIN_" + strings.TrimPrefix(string(c), "SIGNAL_"))
}
