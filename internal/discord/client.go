// Package discord links attendees' Discord accounts through OAuth2 and adds
// them to the conference server.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/oauth2"

	"github.com/iliyamo/conference-registration/internal/registration"
)

// Endpoint is Discord's OAuth2 endpoint.  Client credentials go in the
// Authorization header.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://discord.com/oauth2/authorize",
	TokenURL:  "https://discord.com/api/v10/oauth2/token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

// Scopes requested from the attendee: their identity and permission to add
// them to the server.
var Scopes = []string{"identify", "guilds.join"}

// Config holds the application and server identifiers.
type Config struct {
	ClientID         string
	ClientSecret     string
	RedirectURI      string
	BotToken         string
	GuildID          string
	WelcomeChannelID string

	// Endpoint overrides the OAuth2 endpoint; zero means Discord's.
	Endpoint oauth2.Endpoint
}

// memberAPI is the part of *discordgo.Session used for grants.
type memberAPI interface {
	GuildMemberAdd(guildID, userID string, data *discordgo.GuildMemberAddParams, options ...discordgo.RequestOption) error
	GuildMemberEdit(guildID, userID string, data *discordgo.GuildMemberParams, options ...discordgo.RequestOption) (*discordgo.Member, error)
}

// Client implements registration.Linker and registration.Granter.
type Client struct {
	oauth     *oauth2.Config
	bot       memberAPI
	guildID   string
	channelID string

	// fetchUser resolves an access token to a Discord user ID.
	fetchUser func(ctx context.Context, accessToken string) (string, error)
}

// New builds a Client.  The bot session is created but not opened; only the
// REST API is used.
func New(cfg Config) (*Client, error) {
	bot, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord bot session: %w", err)
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = Endpoint
	}
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       Scopes,
		},
		bot:       bot,
		guildID:   cfg.GuildID,
		channelID: cfg.WelcomeChannelID,
		fetchUser: currentUserID,
	}, nil
}

// AuthorizeURL is where the attendee is sent to approve the link.  state is
// echoed back on the redirect.
func (c *Client) AuthorizeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// WelcomeURL opens the server's welcome channel in the Discord web app.
func (c *Client) WelcomeURL() string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s", c.guildID, c.channelID)
}

// Link exchanges the authorization code and looks up who approved it.
func (c *Client) Link(ctx context.Context, code string) (registration.LinkedAccount, error) {
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return registration.LinkedAccount{}, fmt.Errorf("%w: %v", registration.ErrLinkExchangeFailed, err)
	}
	id, err := c.fetchUser(ctx, tok.AccessToken)
	if err != nil {
		return registration.LinkedAccount{}, fmt.Errorf("%w: %v", registration.ErrLinkFetchFailed, err)
	}
	return registration.LinkedAccount{AccountID: id, AccessToken: tok.AccessToken}, nil
}

// Grant adds the account to the server with its nickname and roles.  When
// no access token is available (a retried grant) the existing member is
// edited instead, which only needs the bot token.
func (c *Client) Grant(ctx context.Context, g registration.MembershipGrant) error {
	roles := roleStrings(g.Roles)
	if g.AccessToken != "" {
		params := &discordgo.GuildMemberAddParams{
			AccessToken: g.AccessToken,
			Roles:       roles,
		}
		if g.Nickname != nil {
			params.Nick = *g.Nickname
		}
		return classifyGrantError(c.bot.GuildMemberAdd(c.guildID, g.AccountID, params, discordgo.WithContext(ctx)))
	}

	params := &discordgo.GuildMemberParams{}
	if g.Nickname != nil {
		params.Nick = *g.Nickname
	}
	if len(roles) > 0 {
		params.Roles = &roles
	}
	_, err := c.bot.GuildMemberEdit(c.guildID, g.AccountID, params, discordgo.WithContext(ctx))
	return classifyGrantError(err)
}

// classifyGrantError marks 4xx answers other than 429 as rejections.
func classifyGrantError(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		code := rest.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", registration.ErrGrantRejected, err)
		}
	}
	return err
}

func currentUserID(ctx context.Context, accessToken string) (string, error) {
	s, err := discordgo.New("Bearer " + accessToken)
	if err != nil {
		return "", err
	}
	u, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func roleStrings(roles []int64) []string {
	if len(roles) == 0 {
		return nil
	}
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = strconv.FormatInt(r, 10)
	}
	return out
}
