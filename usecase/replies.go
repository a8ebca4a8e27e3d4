package usecase

import (
	"fmt"

	"github.com/satriahrh/drivebrief/domain/entities"
)

const (
	helpReply          = "'다음 뉴스', '3번', '경제 뉴스', '일시 정지'처럼 말씀해 보세요. 질문이 있으면 '대화 시작'이라고 해 주세요."
	startChatReply     = "네, 무엇이든 물어보세요."
	endChatReply       = "대화를 마치고 브리핑으로 돌아갑니다."
	notUnderstoodReply = "죄송해요, 잘 이해하지 못했어요. 다시 말씀해 주세요."
)

// commandReply is the short spoken confirmation for an applied command.
func commandReply(action entities.Action) string {
	switch action.Type {
	case entities.ActionSelectArticle:
		if n, ok := action.Int("number"); ok {
			return fmt.Sprintf("%d번 기사를 읽어 드릴게요.", n)
		}
		return "선택하신 기사를 읽어 드릴게요."
	case entities.ActionNavigation:
		switch action.String("direction") {
		case "previous":
			return "이전 기사로 돌아갑니다."
		case "first":
			return "첫 번째 기사로 이동합니다."
		default:
			return "다음 기사로 넘어갑니다."
		}
	case entities.ActionPlaybackControl:
		switch action.String("action") {
		case "pause":
			return "일시 정지했어요."
		case "stop":
			return "브리핑을 멈출게요."
		case "resume":
			return "이어서 들려 드릴게요."
		case "repeat":
			return "다시 한 번 읽어 드릴게요."
		}
	case entities.ActionVolumeControl:
		if level, ok := action.Int("level"); ok {
			return fmt.Sprintf("볼륨을 %d로 맞췄어요.", level)
		}
		switch action.String("direction") {
		case "up":
			return "소리를 키울게요."
		case "down":
			return "소리를 줄일게요."
		case "mute":
			return "음소거했어요."
		}
	case entities.ActionSearch:
		if topic := firstNonEmpty(action.String("category"), action.String("source"), action.String("query")); topic != "" {
			return fmt.Sprintf("%s 관련 뉴스를 찾아볼게요.", topic)
		}
		return "뉴스를 찾아볼게요."
	case entities.ActionHelp:
		return helpReply
	case entities.ActionStartConversation:
		return startChatReply
	case entities.ActionEndConversation:
		return endChatReply
	}
	return notUnderstoodReply
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
