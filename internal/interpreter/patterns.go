package interpreter

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/satriahrh/drivebrief/domain/entities"
)

// Tier orders pattern categories. When rules from different tiers match the
// same utterance the lowest tier wins, regardless of confidence.
type Tier int

const (
	TierSelect Tier = iota
	TierCommand
	TierTopic
	TierSearch
	TierNone
)

func (t Tier) String() string {
	switch t {
	case TierSelect:
		return "select"
	case TierCommand:
		return "command"
	case TierTopic:
		return "topic"
	case TierSearch:
		return "search"
	default:
		return "none"
	}
}

const (
	exactConfidence = 0.95
	shortConfidence = 0.85
	looseConfidence = 0.6

	// shortUtterance is the largest word count for which a keyword hit
	// may count as specific.
	shortUtterance = 3
)

type rule struct {
	name   string
	tier   Tier
	action entities.ActionType
	params entities.Params

	// exact must match the whole normalized utterance.
	exact *regexp.Regexp
	// keyword may match anywhere.
	keyword *regexp.Regexp
}

// Match is the outcome of pattern classification.
type Match struct {
	Action entities.Action
	Rule   string
	Tier   Tier
}

// PatternClassifier resolves utterances with keyword and phrase rules.
type PatternClassifier struct {
	rules  []rule
	topics []topic
}

// NewPatternClassifier compiles the built-in rule set.
func NewPatternClassifier() *PatternClassifier {
	return &PatternClassifier{
		rules:  commandRules(),
		topics: builtinTopics(),
	}
}

func commandRules() []rule {
	cmd := func(name string, action entities.ActionType, params entities.Params, exact, keyword string) rule {
		r := rule{name: name, tier: TierCommand, action: action, params: params}
		if exact != "" {
			r.exact = regexp.MustCompile(`^(?:` + exact + `)$`)
		}
		if keyword != "" {
			r.keyword = regexp.MustCompile(keyword)
		}
		return r
	}
	const item = `(?:\s*(?:뉴스|기사|거|것|꺼|소식))?`
	const please = `(?:\s*(?:줘|해|해줘|주세요|해주세요))?`

	return []rule{
		cmd("navigation.next", entities.ActionNavigation, entities.Params{"direction": "next"},
			`다음`+item+please+`|다음\s*(?:으로|거\s*읽어줘)|넘겨`+please+`|next(?:\s+(?:one|article|story|news))?|skip`,
			`다음|넘겨|넘어가|\bnext\b|\bskip\b`),
		cmd("navigation.previous", entities.ActionNavigation, entities.Params{"direction": "previous"},
			`(?:이전|앞|전)`+item+please+`|이전\s*으로|previous(?:\s+(?:one|article|story))?|go\s+back|back`,
			`이전|\bprevious\b|go\s+back`),
		cmd("navigation.first", entities.ActionNavigation, entities.Params{"direction": "first"},
			`처음\s*(?:으로|부터)?`+please+`|start\s+over`,
			`처음\s*(?:으로|부터)|start\s+over`),

		cmd("playback.pause", entities.ActionPlaybackControl, entities.Params{"action": "pause"},
			`멈춰`+please+`|정지|일시\s*정지|잠깐(?:만)?|pause|hold\s+on`,
			`멈춰|일시\s*정지|\bpause\b`),
		cmd("playback.stop", entities.ActionPlaybackControl, entities.Params{"action": "stop"},
			`그만(?:\s*읽어)?`+please+`|stop(?:\s+reading)?`,
			`그만\s*읽어|stop\s+reading`),
		cmd("playback.resume", entities.ActionPlaybackControl, entities.Params{"action": "resume"},
			`계속(?:\s*(?:읽어|재생))?`+please+`|(?:다시\s*)?재생`+please+`|resume|continue|play`,
			`계속|재생|\bresume\b|\bcontinue\b`),
		cmd("playback.repeat", entities.ActionPlaybackControl, entities.Params{"action": "repeat"},
			`다시(?:\s*(?:읽어|들려|말해))?`+please+`|한\s*번\s*더`+please+`|반복`+please+`|repeat|again|say\s+(?:that|it)\s+again`,
			`다시|한\s*번\s*더|반복|\brepeat\b|\bagain\b`),

		cmd("volume.up", entities.ActionVolumeControl, entities.Params{"direction": "up"},
			`(?:볼륨|소리)\s*(?:좀\s*)?(?:올려|키워|크게|높여)`+please+`|volume\s+up|louder|turn\s+it\s+up`,
			`(?:볼륨|소리).*(?:올려|키워|크게|높여)|volume\s+up|\blouder\b`),
		cmd("volume.down", entities.ActionVolumeControl, entities.Params{"direction": "down"},
			`(?:볼륨|소리)\s*(?:좀\s*)?(?:내려|줄여|작게|낮춰)`+please+`|volume\s+down|quieter|turn\s+it\s+down`,
			`(?:볼륨|소리).*(?:내려|줄여|작게|낮춰)|volume\s+down|\bquieter\b`),
		cmd("volume.mute", entities.ActionVolumeControl, entities.Params{"direction": "mute"},
			`음소거`+please+`|소리\s*꺼`+please+`|mute`,
			`음소거|소리\s*꺼|\bmute\b`),

		cmd("help", entities.ActionHelp, nil,
			`도움말|도와`+please+`|사용법|뭐\s*할\s*수\s*있어|help(?:\s+me)?|what\s+can\s+you\s+do`,
			`도움말|도와|사용법|\bhelp\b`),

		cmd("conversation.end", entities.ActionEndConversation, nil,
			`대화\s*(?:끝|끝내|종료|그만)`+please+`|그만\s*(?:하자|할래|얘기하자)|종료|끝|end(?:\s+the)?\s+conversation|stop\s+talking|goodbye|bye`,
			`대화\s*(?:끝|종료|그만)|그만\s*하자|\bgoodbye\b`),
		cmd("conversation.start", entities.ActionStartConversation, nil,
			`대화\s*(?:하자|시작|해|할래)`+please+`|(?:얘기|이야기)\s*(?:하자|할래|좀\s*하자)|질문\s*(?:있어|할게)|lets\s+talk|start(?:\s+a)?\s+conversation`,
			`대화|얘기|이야기|\bconversation\b|\btalk\b`),
	}
}

type topic struct {
	key      string // "category" or "source"
	value    string
	keywords []string
}

func builtinTopics() []topic {
	return []topic{
		{"category", "economy", []string{"경제", "economy", "business", "비즈니스"}},
		{"category", "politics", []string{"정치", "politics"}},
		{"category", "sports", []string{"스포츠", "sports", "sport", "축구", "야구"}},
		{"category", "technology", []string{"기술", "테크", "아이티", "과학", "technology", "tech", "science"}},
		{"category", "entertainment", []string{"연예", "entertainment"}},
		{"category", "society", []string{"사회", "society"}},
		{"category", "world", []string{"국제", "세계", "해외", "world", "international"}},
		{"category", "health", []string{"건강", "health"}},
		{"category", "culture", []string{"문화", "culture"}},
		{"source", "yonhap", []string{"연합뉴스", "연합", "yonhap"}},
		{"source", "chosun", []string{"조선일보", "chosun"}},
		{"source", "joongang", []string{"중앙일보", "joongang"}},
		{"source", "hankyoreh", []string{"한겨레", "hankyoreh"}},
		{"source", "kbs", []string{"kbs"}},
		{"source", "mbc", []string{"mbc"}},
		{"source", "sbs", []string{"sbs"}},
		{"source", "bbc", []string{"bbc"}},
		{"source", "cnn", []string{"cnn"}},
		{"source", "reuters", []string{"reuters", "로이터"}},
	}
}

// topicTail is what may follow a topic keyword for an exact topic request.
var topicTail = regexp.MustCompile(`^(?:\s*(?:뉴스|기사|소식|news|headlines))?(?:\s*(?:들려줘|알려줘|읽어줘|보여줘|틀어줘|줘|주세요))?$`)

var (
	digitSelect     = regexp.MustCompile(`^(?:number\s*|no\s*)?(\d{1,3})\s*(?:번째|번|th|st|nd|rd)?(?:\s*(?:기사|뉴스|거|것|꺼|article|one))?(?:\s*(?:선택|읽어|틀어|보여|들려))?(?:\s*(?:줘|해줘|해|주세요))?$`)
	ordinalSelect   = regexp.MustCompile(`^(첫|두|세|네|다섯|여섯|일곱|여덟|아홉|열)\s*번째(?:\s*(?:기사|뉴스|거|것|꺼))?(?:\s*(?:선택|읽어|틀어|보여|들려))?(?:\s*(?:줘|해줘|해|주세요))?$`)
	englishOrdinal  = regexp.MustCompile(`^(?:the\s+)?(first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth)(?:\s+(?:one|article|story))?$`)
	koreanOrdinals  = map[string]int{"첫": 1, "두": 2, "세": 3, "네": 4, "다섯": 5, "여섯": 6, "일곱": 7, "여덟": 8, "아홉": 9, "열": 10}
	englishOrdinals = map[string]int{"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5, "sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10}
)

type searchRule struct {
	pattern    *regexp.Regexp
	group      int
	confidence float64
}

var searchRules = []searchRule{
	{regexp.MustCompile(`^(.+?)\s*(?:검색해\s*줘|검색해\s*주세요|검색해|검색)$`), 1, shortConfidence},
	{regexp.MustCompile(`^(?:search|find|look\s+up)\s+(?:for\s+)?(.+)$`), 1, shortConfidence},
	{regexp.MustCompile(`^(.+?)\s*(?:찾아\s*줘|찾아)$`), 1, 0.75},
	{regexp.MustCompile(`^(.+?)\s*(?:에\s*대해|관련)?\s*(?:뉴스|기사|소식)?\s*(?:알려\s*줘|알려|들려줘)$`), 1, 0.65},
}

// Classify resolves a normalized utterance. Unmatched input yields an
// unknown action with zero confidence.
func (c *PatternClassifier) Classify(text string) Match {
	if text == "" {
		return unknownMatch()
	}
	if m, ok := matchSelect(text); ok {
		return m
	}
	if m, ok := c.matchCommand(text); ok {
		return m
	}
	if m, ok := c.matchTopic(text); ok {
		return m
	}
	if m, ok := matchSearch(text); ok {
		return m
	}
	return unknownMatch()
}

func unknownMatch() Match {
	return Match{
		Action: entities.Action{Type: entities.ActionUnknown, Origin: entities.OriginPattern},
		Rule:   "none",
		Tier:   TierNone,
	}
}

func patternMatch(name string, tier Tier, action entities.ActionType, params entities.Params, confidence float64) Match {
	return Match{
		Action: entities.Action{
			Type:       action,
			Params:     copyParams(params),
			Confidence: confidence,
			Origin:     entities.OriginPattern,
		},
		Rule: name,
		Tier: tier,
	}
}

func copyParams(p entities.Params) entities.Params {
	if len(p) == 0 {
		return nil
	}
	out := make(entities.Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func matchSelect(text string) (Match, bool) {
	n := 0
	if m := digitSelect.FindStringSubmatch(text); m != nil {
		n, _ = strconv.Atoi(m[1])
	} else if m := ordinalSelect.FindStringSubmatch(text); m != nil {
		n = koreanOrdinals[m[1]]
	} else if m := englishOrdinal.FindStringSubmatch(text); m != nil {
		n = englishOrdinals[m[1]]
	}
	if n <= 0 {
		return Match{}, false
	}
	return patternMatch("select.number", TierSelect, entities.ActionSelectArticle,
		entities.Params{"number": n}, exactConfidence), true
}

// keywordSuffix lists what may trail a keyword inside the same word while
// the word still reads as that keyword.
var keywordSuffix = map[string]bool{
	"": true, "으로": true, "로": true, "은": true, "는": true, "이": true, "가": true,
	"을": true, "를": true, "도": true, "요": true, "줘": true, "해": true, "해요": true,
	"해줘": true, "주세요": true, "해주세요": true, "줄래": true,
}

// fillerWords carry no meaning of their own next to a command keyword.
var fillerWords = map[string]bool{
	"좀": true, "그냥": true, "이제": true, "빨리": true, "제발": true,
	"줘": true, "해": true, "해줘": true, "주세요": true, "해주세요": true,
	"뉴스": true, "기사": true, "소식": true, "거": true, "것": true,
	"들려줘": true, "알려줘": true, "읽어줘": true, "보여줘": true, "틀어줘": true,
	"검색": true, "검색해": true, "검색해줘": true,
	"please": true, "news": true, "article": true, "headlines": true,
}

// keywordConfidence scores a keyword found at text[start:end]. A hit only
// counts as specific when it is a whole word and everything around it is
// filler; anything else stays below the acceptance threshold. The second
// result is false when the hit starts inside a word.
func keywordConfidence(text string, start, end int) (float64, bool) {
	if start > 0 && text[start-1] != ' ' {
		return 0, false
	}
	wordEnd := len(text)
	if i := strings.IndexByte(text[end:], ' '); i >= 0 {
		wordEnd = end + i
	}
	if !keywordSuffix[text[end:wordEnd]] {
		return looseConfidence, true
	}

	rest := strings.Fields(text[:start] + " " + text[wordEnd:])
	for _, w := range rest {
		if !fillerWords[w] {
			return looseConfidence, true
		}
	}
	if len(rest)+1 > shortUtterance {
		return looseConfidence, true
	}
	return shortConfidence, true
}

// matchCommand prefers an exact phrase over any keyword hit, then the
// best scored keyword, then the earliest rule.
func (c *PatternClassifier) matchCommand(text string) (Match, bool) {
	for _, r := range c.rules {
		if r.exact != nil && r.exact.MatchString(text) {
			return patternMatch(r.name, r.tier, r.action, r.params, exactConfidence), true
		}
	}
	var (
		best     Match
		found    bool
		bestConf float64
	)
	for _, r := range c.rules {
		if r.keyword == nil {
			continue
		}
		for _, loc := range r.keyword.FindAllStringIndex(text, -1) {
			conf, ok := keywordConfidence(text, loc[0], loc[1])
			if !ok || (found && conf <= bestConf) {
				continue
			}
			best = patternMatch(r.name, r.tier, r.action, r.params, conf)
			bestConf = conf
			found = true
		}
	}
	return best, found
}

func (c *PatternClassifier) matchTopic(text string) (Match, bool) {
	var (
		best     Match
		found    bool
		bestConf float64
	)
	for _, t := range c.topics {
		for _, kw := range t.keywords {
			idx := indexWord(text, kw)
			if idx < 0 {
				continue
			}
			conf, _ := keywordConfidence(text, idx, idx+len(kw))
			if idx == 0 && topicTail.MatchString(text[len(kw):]) {
				conf = exactConfidence
			}
			if !found || conf > bestConf {
				best = patternMatch("topic."+t.value, TierTopic, entities.ActionSearch,
					entities.Params{t.key: t.value}, conf)
				bestConf = conf
				found = true
			}
		}
	}
	return best, found
}

// indexWord finds kw at a word start. Korean particles may follow the
// keyword, so only the left edge is checked.
func indexWord(text, kw string) int {
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], kw)
		if i < 0 {
			return -1
		}
		i += from
		if i == 0 || text[i-1] == ' ' {
			if isASCII(kw) {
				end := i + len(kw)
				if end == len(text) || text[end] == ' ' {
					return i
				}
			} else {
				return i
			}
		}
		from = i + len(kw)
	}
	return -1
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func matchSearch(text string) (Match, bool) {
	for _, r := range searchRules {
		m := r.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		query := strings.TrimSpace(m[r.group])
		if query == "" {
			continue
		}
		return patternMatch("search.query", TierSearch, entities.ActionSearch,
			entities.Params{"query": query}, r.confidence), true
	}
	return Match{}, false
}
