package sender

import (
	"regexp"

	"github.com/pkg/errors"
	tele "gopkg.in/telebot.v3"
)

// Terminal signals raised by onSendMessageError. Either one stops the chat's
// processing for the current cycle; the store work already happened.
var (
	ErrChatDeleted   = errors.New("chat is deleted")
	ErrChatMigrated  = errors.New("chat is migrated")
	ErrNoPhotoRights = errors.New("chat has no photo rights")
)

// Known description patterns of the Telegram Bot API, grouped by how the
// sender reacts to them.
var (
	blockedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)bot was blocked`),
		regexp.MustCompile(`(?i)bot was kicked`),
		regexp.MustCompile(`(?i)bot is not a member`),
		regexp.MustCompile(`(?i)chat not found`),
		regexp.MustCompile(`(?i)chat was deleted`),
		regexp.MustCompile(`(?i)user is deactivated`),
		regexp.MustCompile(`(?i)not enough rights to send (text )?messages`),
		regexp.MustCompile(`(?i)need administrator rights`),
		regexp.MustCompile(`(?i)CHAT_WRITE_FORBIDDEN`),
		regexp.MustCompile(`(?i)have no rights to send a message`),
	}
	migratedPattern     = regexp.MustCompile(`(?i)group chat was upgraded to a supergroup chat`)
	noPhotoRightsRe     = regexp.MustCompile(`(?i)not enough rights to send photos|CHAT_SEND_PHOTOS_FORBIDDEN`)
	notModifiedPattern  = regexp.MustCompile(`(?i)message is not modified`)
	editGonePatterns    = regexp.MustCompile(`(?i)message to edit not found|message can't be edited|MESSAGE_ID_INVALID`)
	deleteGonePatterns  = regexp.MustCompile(`(?i)message to delete not found|message can't be deleted|MESSAGE_ID_INVALID`)
	chatUpgradedPattern = regexp.MustCompile(`(?i)group chat was upgraded`)
)

func errorDescription(err error) string {
	var teleErr *tele.Error
	if errors.As(err, &teleErr) {
		return teleErr.Description
	}
	if _, ok := migratedTarget(err); ok {
		// GroupError may carry no wrapped description.
		return "group chat was upgraded to a supergroup chat"
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// migratedTarget extracts the new chat id from a migrated-class error.
func migratedTarget(err error) (int64, bool) {
	var groupErr tele.GroupError
	if errors.As(err, &groupErr) && groupErr.MigratedTo != 0 {
		return groupErr.MigratedTo, true
	}
	var groupErrPtr *tele.GroupError
	if errors.As(err, &groupErrPtr) && groupErrPtr.MigratedTo != 0 {
		return groupErrPtr.MigratedTo, true
	}
	return 0, false
}

func isMigratedError(err error) bool {
	if _, ok := migratedTarget(err); ok {
		return true
	}
	return migratedPattern.MatchString(errorDescription(err))
}

func isBlockedError(err error) bool {
	description := errorDescription(err)
	for _, pattern := range blockedPatterns {
		if pattern.MatchString(description) {
			return true
		}
	}
	return false
}

func isNoPhotoRightsError(err error) bool {
	return noPhotoRightsRe.MatchString(errorDescription(err))
}

func isNotModifiedError(err error) bool {
	return notModifiedPattern.MatchString(errorDescription(err))
}

// isEditGoneError reports an edit failure that means the message no longer
// exists or can never be edited. Success-equivalent: drop the local row.
func isEditGoneError(err error) bool {
	return editGonePatterns.MatchString(errorDescription(err))
}

// isDeleteToleratedError reports a delete failure that leaves nothing to do.
func isDeleteToleratedError(err error) bool {
	description := errorDescription(err)
	return deleteGonePatterns.MatchString(description) || chatUpgradedPattern.MatchString(description)
}
