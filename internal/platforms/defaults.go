package platforms

// defaultPlatforms is the built-in table. Selectors and cookie names reflect each site's
// current web client and are expected to drift; override them with a catalog file.
func defaultPlatforms() []*Platform {
	return []*Platform{
		{
			Name:    "weibo",
			Domains: []string{"weibo.com", "weibo.cn"},
			HomeURL: "https://weibo.com/",
			LoggedInSelectors: []WeightedSelector{
				{Selector: `[data-testid="user-avatar"]`, Confidence: 95, TestID: true},
				{Selector: `a[href*="/u/"] .woo-avatar-main`, Confidence: 92},
				{Selector: `.gn_name`, Confidence: 90},
				{Selector: `[class*="Nav_avatar"]`, Confidence: 88},
			},
			LoginButtonSelectors: []WeightedSelector{
				{Selector: `a[node-type="loginBtn"]`, Confidence: 90},
				{Selector: `[class*="LoginBtn"]`, Confidence: 88},
				{Selector: `a[href*="passport.weibo.com"]`, Confidence: 86},
			},
			UsernameSelectors:   []string{`.gn_name`, `[class*="ProfileHeader_name"]`, `[class*="Nav_nick"]`},
			HighCookies:         []string{"SUB", "SUBP"},
			MediumCookies:       []string{"ALF", "SSOLoginState", "WBPSESS"},
			HighStorageKeys:     []string{"wb_user_info"},
			MediumStorageKeys:   []string{"WBStorage", "uid"},
			CheckPath:           "/ajax/side/cards/sideUser",
			LoggedInURLPatterns: []string{`weibo\.com/(u/\d+|set/|message|at/)`, `weibo\.com/\d{6,}/?$`},
			LoginURLPatterns:    []string{`passport\.weibo\.(com|cn)`, `weibo\.com/(login|signup)`, `newlogin`},
			TargetPatterns: []WeightedPattern{
				{Pattern: `^/\d{6,}/[A-Za-z0-9]{9}/?$`, Confidence: 0.95, Label: "status"},
				{Pattern: `^/(detail|status)/\d+`, Confidence: 0.9, Label: "detail"},
				{Pattern: `^/tv/show/\d+:\w+`, Confidence: 0.9, Label: "video"},
				{Pattern: `^/ttarticle/p/show`, Confidence: 0.85, Label: "article"},
				{Pattern: `^/u/\d+/?$`, Confidence: 0.6, Label: "profile"},
				{Pattern: `^/\d{6,}/?$`, Confidence: 0.55, Label: "profile"},
			},
			NegativePatterns: []WeightedPattern{
				{Pattern: `^/hot/?`, Confidence: 0.3, Label: "hot list"},
				{Pattern: `^/(set|setting)/`, Confidence: 0.5, Label: "settings"},
			},
			StaticPaths:       []string{"/hot", "/newlogin", "/signup", "/set/index", "/mygroups", "/messages"},
			StructureBonus:    []string{"detail", "status", "show"},
			ContentContainers: []string{`article`, `[class*="Detail_box"]`, `.WB_detail`, `[class*="wbpro-feed-content"]`},
		},
		{
			Name:    "xiaohongshu",
			Domains: []string{"xiaohongshu.com", "xhslink.com"},
			HomeURL: "https://www.xiaohongshu.com/explore",
			LoggedInSelectors: []WeightedSelector{
				{Selector: `.user.side-bar-component .link-wrapper`, Confidence: 92},
				{Selector: `[data-testid="user-avatar"]`, Confidence: 95, TestID: true},
				{Selector: `.reds-avatar`, Confidence: 88},
			},
			LoginButtonSelectors: []WeightedSelector{
				{Selector: `.login-btn`, Confidence: 90},
				{Selector: `#login-btn`, Confidence: 90},
				{Selector: `.login-container`, Confidence: 86},
			},
			UsernameSelectors:   []string{`.user-name`, `.side-bar-component .name`},
			HighCookies:         []string{"web_session"},
			MediumCookies:       []string{"a1", "webId", "websectiga"},
			HighStorageKeys:     []string{"USER_INFO_FOR_BIZ"},
			MediumStorageKeys:   []string{"b1", "xhs-pc-theme"},
			CheckPath:           "/api/sns/web/v2/user/me",
			LoggedInURLPatterns: []string{`xiaohongshu\.com/user/profile/`, `xiaohongshu\.com/notification`},
			LoginURLPatterns:    []string{`xiaohongshu\.com/(login|website-login)`},
			TargetPatterns: []WeightedPattern{
				{Pattern: `^/explore/[0-9a-f]{24}`, Confidence: 0.95, Label: "note"},
				{Pattern: `^/discovery/item/[0-9a-f]{24}`, Confidence: 0.95, Label: "note"},
				{Pattern: `^/user/profile/[0-9a-f]{24}/?$`, Confidence: 0.6, Label: "profile"},
			},
			NegativePatterns: []WeightedPattern{
				{Pattern: `^/explore/?$`, Confidence: 0.5, Label: "feed"},
				{Pattern: `^/search_result/?$`, Confidence: 0.3, Label: "search"},
			},
			StaticPaths:       []string{"/notification", "/website-login", "/protocols/about"},
			StructureBonus:    []string{"item", "discovery"},
			ContentContainers: []string{`#detail-desc`, `.note-content`, `#noteContainer`, `.note-scroller`},
		},
		{
			Name:    "douyin",
			Domains: []string{"douyin.com", "iesdouyin.com"},
			HomeURL: "https://www.douyin.com/",
			LoggedInSelectors: []WeightedSelector{
				{Selector: `[data-e2e="live-avatar"]`, Confidence: 96, TestID: true},
				{Selector: `[data-e2e="user-info"]`, Confidence: 94, TestID: true},
				{Selector: `a[href*="/user/self"]`, Confidence: 92},
			},
			LoginButtonSelectors: []WeightedSelector{
				{Selector: `[data-e2e="login-button"]`, Confidence: 90, TestID: true},
				{Selector: `#login-pannel`, Confidence: 88},
			},
			UsernameSelectors:   []string{`[data-e2e="user-info"] h1`, `[data-e2e="user-name"]`},
			HighCookies:         []string{"sessionid", "sessionid_ss", "sid_guard"},
			MediumCookies:       []string{"passport_csrf_token", "uid_tt", "odin_tt"},
			HighStorageKeys:     []string{"user_info"},
			MediumStorageKeys:   []string{"SLARDARdouyin_web", "__tea_cache_tokens_6383"},
			CheckPath:           "/aweme/v1/web/query/user/",
			LoggedInURLPatterns: []string{`douyin\.com/user/self`, `douyin\.com/follow`},
			LoginURLPatterns:    []string{`douyin\.com/(login|passport)`, `sso\.douyin\.com`},
			TargetPatterns: []WeightedPattern{
				{Pattern: `^/video/\d{15,}`, Confidence: 0.95, Label: "video"},
				{Pattern: `^/note/\d{15,}`, Confidence: 0.9, Label: "note"},
				{Pattern: `^/user/[A-Za-z0-9_-]{20,}/?$`, Confidence: 0.6, Label: "profile"},
			},
			NegativePatterns: []WeightedPattern{
				{Pattern: `^/(discover|follow|friend)/?$`, Confidence: 0.4, Label: "feed"},
				{Pattern: `^/search/[^?]*$`, Confidence: 0.2, Label: "search"},
			},
			StaticPaths:       []string{"/discover", "/follow", "/friend", "/live", "/user/self"},
			StructureBonus:    []string{"video", "note"},
			ContentContainers: []string{`[data-e2e="detail-video-info"]`, `[data-e2e="video-desc"]`, `[data-e2e="note-detail"]`},
		},
		{
			Name:    "bilibili",
			Domains: []string{"bilibili.com", "b23.tv"},
			HomeURL: "https://www.bilibili.com/",
			LoggedInSelectors: []WeightedSelector{
				{Selector: `.header-entry-avatar`, Confidence: 94},
				{Selector: `.bili-avatar-img`, Confidence: 90},
				{Selector: `.v-popover-wrap .header-avatar-wrap`, Confidence: 90},
			},
			LoginButtonSelectors: []WeightedSelector{
				{Selector: `.header-login-entry`, Confidence: 90},
				{Selector: `.go-login-btn`, Confidence: 88},
			},
			UsernameSelectors:   []string{`.nickname-item`, `.header-entry-mini .nickname`},
			HighCookies:         []string{"SESSDATA", "bili_jct"},
			MediumCookies:       []string{"DedeUserID", "DedeUserID__ckMd5"},
			HighStorageKeys:     []string{"bili_user_info"},
			MediumStorageKeys:   []string{"bmg_af_switch", "BILI_MIRROR_REPORT_POOL"},
			CheckPath:           "/x/web-interface/nav",
			LoggedInURLPatterns: []string{`space\.bilibili\.com/\d+`, `account\.bilibili\.com`, `message\.bilibili\.com`},
			LoginURLPatterns:    []string{`passport\.bilibili\.com`},
			TargetPatterns: []WeightedPattern{
				{Pattern: `^/video/(BV[0-9A-Za-z]{10}|av\d+)`, Confidence: 0.95, Label: "video"},
				{Pattern: `^/read/cv\d+`, Confidence: 0.9, Label: "article"},
				{Pattern: `^/opus/\d+`, Confidence: 0.88, Label: "dynamic"},
				{Pattern: `^/bangumi/play/(ep|ss)\d+`, Confidence: 0.85, Label: "episode"},
			},
			NegativePatterns: []WeightedPattern{
				{Pattern: `^/v/[a-z]+/?$`, Confidence: 0.4, Label: "channel"},
				{Pattern: `^/anime/?$`, Confidence: 0.4, Label: "channel"},
			},
			StaticPaths:       []string{"/anime", "/movie", "/guochuang", "/v/popular"},
			StructureBonus:    []string{"video", "read", "opus"},
			ContentContainers: []string{`#viewbox_report`, `.video-info-container`, `.article-holder`, `.opus-detail`},
		},
		{
			Name:    "zhihu",
			Domains: []string{"zhihu.com"},
			HomeURL: "https://www.zhihu.com/",
			LoggedInSelectors: []WeightedSelector{
				{Selector: `.AppHeader-profileAvatar`, Confidence: 95},
				{Selector: `button[aria-label="个人中心"]`, Confidence: 92},
				{Selector: `.AppHeader-profile`, Confidence: 88},
			},
			LoginButtonSelectors: []WeightedSelector{
				{Selector: `.AppHeader-login`, Confidence: 90},
				{Selector: `.SignFlow`, Confidence: 88},
				{Selector: `.Modal-wrapper .SignContainer-content`, Confidence: 86},
			},
			UsernameSelectors:   []string{`.ProfileHeader-name`, `.AppHeader-profileAvatar[alt]`},
			HighCookies:         []string{"z_c0"},
			MediumCookies:       []string{"d_c0", "q_c1", "capsion_ticket"},
			HighStorageKeys:     []string{"zap:user"},
			MediumStorageKeys:   []string{"zse-ck"},
			CheckPath:           "/api/v4/me",
			LoggedInURLPatterns: []string{`zhihu\.com/(notifications|settings|creator)`},
			LoginURLPatterns:    []string{`zhihu\.com/signin`, `zhihu\.com/signup`},
			TargetPatterns: []WeightedPattern{
				{Pattern: `^/question/\d+/answer/\d+`, Confidence: 0.95, Label: "answer"},
				{Pattern: `^/p/\d+`, Confidence: 0.92, Label: "article"},
				{Pattern: `^/question/\d+/?$`, Confidence: 0.85, Label: "question"},
				{Pattern: `^/zvideo/\d+`, Confidence: 0.88, Label: "video"},
				{Pattern: `^/people/[^/]+/?$`, Confidence: 0.55, Label: "profile"},
			},
			NegativePatterns: []WeightedPattern{
				{Pattern: `^/(follow|hot|topic)/?$`, Confidence: 0.4, Label: "feed"},
			},
			StaticPaths:       []string{"/hot", "/follow", "/notifications", "/settings/account", "/creator"},
			StructureBonus:    []string{"question", "answer"},
			ContentContainers: []string{`.QuestionHeader`, `.RichContent`, `.Post-RichText`, `.AnswerCard`},
		},
		{
			Name:    GenericName,
			HomeURL: "",
			LoggedInSelectors: []WeightedSelector{
				{Selector: `[data-testid*="avatar"]`, Confidence: 88, TestID: true},
				{Selector: `a[href*="logout"]`, Confidence: 88},
			},
			LoginButtonSelectors: []WeightedSelector{
				{Selector: `[data-testid*="login"]`, Confidence: 86, TestID: true},
				{Selector: `a[href*="/login"]`, Confidence: 85},
			},
			UsernameSelectors: []string{`[data-testid*="username"]`, `.username`, `.user-name`},
			HighCookies:       []string{"sessionid", "session_id", "auth_token"},
			MediumCookies:     []string{"token", "uid", "user_id"},
			HighStorageKeys:   []string{"access_token", "auth_token"},
			MediumStorageKeys: []string{"user", "userInfo", "token"},
			TargetPatterns: []WeightedPattern{
				{Pattern: `^/(video|watch)/[A-Za-z0-9_-]{6,}`, Confidence: 0.9, Label: "video"},
				{Pattern: `^/(post|posts|status|article|detail|note|p)/[A-Za-z0-9_-]{4,}`, Confidence: 0.85, Label: "post"},
				{Pattern: `^/(user|u|profile|people)/[^/]+/?$`, Confidence: 0.55, Label: "profile"},
			},
			StructureBonus: []string{},
		},
	}
}
