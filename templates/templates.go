package templates

import _ "embed"

var (
	//go:embed resource/hello.txt
	Hello string
	//go:embed resource/unexpectedError.txt
	UnexpectedError string
	//go:embed resource/emptyAdd.txt
	EmptyAdd string
	//go:embed resource/addSuccess.txt
	AddSuccess string
	//go:embed resource/channelNotFound.txt
	ChannelNotFound string
	//go:embed resource/channelList.txt
	ChannelList string
	//go:embed resource/noChannels.txt
	NoChannels string
	//go:embed resource/removeSuccess.txt
	RemoveSuccess string
	//go:embed resource/clearSuccess.txt
	ClearSuccess string
	//go:embed resource/linkHelp.txt
	LinkHelp string
	//go:embed resource/linkSuccess.txt
	LinkSuccess string
	//go:embed resource/unlinkSuccess.txt
	UnlinkSuccess string
	//go:embed resource/optionSaved.txt
	OptionSaved string
	//go:embed resource/notAdmin.txt
	NotAdmin string
	//go:embed resource/adminsOnly.txt
	AdminsOnly string
)
